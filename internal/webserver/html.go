package webserver

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Underwater Trash Detection</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin:0; font-family: system-ui, sans-serif; background:#04202e; color:#e6f4f9; }
        .app { max-width: 1100px; margin: 0 auto; padding: 20px; }
        .header { display:flex; justify-content:space-between; align-items:center; }
        .title { font-size: 24px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; background:#0b4d66; font-size: 12px; }
        .badge.ok { background:#127a4a; }
        .badge.bad { background:#8a2b2b; }
        .grid { display:grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-top: 16px; }
        .panel { background:#07334a; border-radius: 8px; padding: 16px; }
        .panel h2 { margin-top: 0; font-size: 18px; }
        label { display:block; margin: 8px 0 4px; font-size: 13px; }
        input[type=number] { width: 100px; }
        button { background:#1b8cb8; color:#fff; border:0; border-radius:4px; padding:8px 14px; cursor:pointer; }
        button:disabled { background:#41606d; cursor:default; }
        progress { width: 100%; }
        .frames { display:grid; grid-template-columns: repeat(auto-fill, minmax(200px, 1fr)); gap: 8px; margin-top: 12px; }
        .frames figure { margin:0; }
        .frames img { width:100%; border-radius:4px; }
        .frames figcaption { font-size: 12px; }
        #webcam-canvas, #preview { width:100%; border-radius:4px; background:#000; }
        .muted { color:#8fb3c2; font-size: 12px; }
    </style>
</head>
<body>
<div class="app">
    <div class="header">
        <div class="title">Underwater Trash Detection</div>
        <span class="badge" id="model-badge">checking model...</span>
    </div>

    <div class="grid">
        <div class="panel">
            <h2>Video upload</h2>
            <form id="upload-form">
                <input type="file" name="video" accept=".mp4,.avi,.mov,.mkv" required>
                <label>Frame skip <input type="number" name="frame_skip" value="5" min="1"></label>
                <label>Confidence threshold <input type="number" name="confidence_threshold" value="0.5" min="0" max="1" step="0.05"></label>
                <label>Max detections per frame <input type="number" name="max_detections" value="20" min="0"></label>
                <p>
                    <button type="submit">Process</button>
                    <label style="display:inline"><input type="checkbox" id="background" checked> run in background</label>
                </p>
            </form>
            <progress id="progress" value="0" max="1" hidden></progress>
            <p class="muted" id="job-status"></p>
            <button id="download" disabled>Download annotated video</button>
        </div>

        <div class="panel">
            <h2>Live preview</h2>
            <img id="preview" alt="Annotated frames appear here while a job runs">
            <h2 style="margin-top:16px">Webcam</h2>
            <video id="webcam" autoplay playsinline muted hidden></video>
            <canvas id="webcam-canvas"></canvas>
            <p>
                <button id="webcam-start">Start webcam</button>
                <button id="webcam-stop" disabled>Stop</button>
            </p>
            <p class="muted" id="webcam-status"></p>
        </div>
    </div>

    <div class="panel" style="margin-top:16px">
        <h2>Processed frames</h2>
        <p class="muted" id="summary"></p>
        <div class="frames" id="frames"></div>
    </div>
</div>

<script>
let sessionId = null;

async function refreshHealth() {
    const badge = document.getElementById('model-badge');
    try {
        const res = await fetch('/health');
        const body = await res.json();
        badge.textContent = 'model: ' + body.model_status;
        badge.className = 'badge ' + (body.model_loaded ? 'ok' : 'bad');
    } catch (e) {
        badge.textContent = 'server unreachable';
        badge.className = 'badge bad';
    }
}

function showResult(result) {
    sessionId = result.session_id;
    document.getElementById('summary').textContent =
        result.processed_frames + ' of ' + result.total_frames + ' frames annotated';
    const frames = document.getElementById('frames');
    frames.innerHTML = '';
    for (const f of result.frames) {
        const fig = document.createElement('figure');
        const img = document.createElement('img');
        img.src = 'data:image/jpeg;base64,' + f.image;
        const cap = document.createElement('figcaption');
        cap.textContent = 'Frame ' + f.frame_number + ': ' + f.detections + ' detections';
        fig.appendChild(img);
        fig.appendChild(cap);
        frames.appendChild(fig);
    }
    document.getElementById('download').disabled = result.processed_frames === 0;
}

function followJob(id) {
    const status = document.getElementById('job-status');
    const progress = document.getElementById('progress');
    progress.hidden = false;
    document.getElementById('preview').src = '/api/jobs/' + id + '/preview';

    const events = new EventSource('/api/jobs/' + id + '/events');
    const update = (e) => {
        const st = JSON.parse(e.data);
        status.textContent = st.state + ': ' + st.frames_read + ' frames read, ' + st.processed_frames + ' annotated';
        progress.removeAttribute('value');
    };
    events.addEventListener('progress', update);
    events.addEventListener('failed', (e) => {
        update(e);
        status.textContent += ' (' + JSON.parse(e.data).error + ')';
        progress.hidden = true;
        events.close();
    });
    events.addEventListener('done', async (e) => {
        update(e);
        events.close();
        progress.hidden = true;
        const res = await fetch('/api/jobs/' + id + '/result');
        showResult(await res.json());
    });
}

document.getElementById('upload-form').addEventListener('submit', async (e) => {
    e.preventDefault();
    const data = new FormData(e.target);
    const background = document.getElementById('background').checked;
    const status = document.getElementById('job-status');
    status.textContent = 'uploading...';
    const res = await fetch(background ? '/api/jobs' : '/upload_video', { method: 'POST', body: data });
    const body = await res.json();
    if (!res.ok) {
        status.textContent = 'error: ' + body.error;
        return;
    }
    if (background) {
        followJob(body.job_id);
    } else {
        status.textContent = 'done';
        showResult(body);
    }
});

document.getElementById('download').addEventListener('click', async () => {
    if (!sessionId) return;
    const res = await fetch('/recreate_video', {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify({ session_id: sessionId }),
    });
    if (!res.ok) {
        const body = await res.json();
        document.getElementById('job-status').textContent = 'error: ' + body.error;
        return;
    }
    const blob = await res.blob();
    const a = document.createElement('a');
    a.href = URL.createObjectURL(blob);
    a.download = 'detected_trash_video.mp4';
    a.click();
    sessionId = null;
    document.getElementById('download').disabled = true;
});

let webcamTimer = null;
let webcamStream = null;

async function webcamTick() {
    const video = document.getElementById('webcam');
    const canvas = document.getElementById('webcam-canvas');
    if (!video.videoWidth) return;
    canvas.width = video.videoWidth;
    canvas.height = video.videoHeight;
    const ctx = canvas.getContext('2d');
    ctx.drawImage(video, 0, 0);
    const form = document.getElementById('upload-form');
    const res = await fetch('/annotate_frame', {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify({
            frame: canvas.toDataURL('image/jpeg', 0.8),
            confidence_threshold: parseFloat(form.confidence_threshold.value),
            max_detections: parseInt(form.max_detections.value, 10),
        }),
    });
    const body = await res.json();
    if (!res.ok) {
        document.getElementById('webcam-status').textContent = 'error: ' + body.error;
        return;
    }
    const img = new Image();
    img.onload = () => ctx.drawImage(img, 0, 0);
    img.src = 'data:image/jpeg;base64,' + body.image;
    document.getElementById('webcam-status').textContent = body.detections.length + ' detections';
}

document.getElementById('webcam-start').addEventListener('click', async () => {
    webcamStream = await navigator.mediaDevices.getUserMedia({ video: true });
    document.getElementById('webcam').srcObject = webcamStream;
    webcamTimer = setInterval(webcamTick, 500);
    document.getElementById('webcam-start').disabled = true;
    document.getElementById('webcam-stop').disabled = false;
});

document.getElementById('webcam-stop').addEventListener('click', () => {
    clearInterval(webcamTimer);
    if (webcamStream) webcamStream.getTracks().forEach(t => t.stop());
    document.getElementById('webcam-start').disabled = false;
    document.getElementById('webcam-stop').disabled = true;
});

refreshHealth();
setInterval(refreshHealth, 10000);
</script>
</body>
</html>
`
