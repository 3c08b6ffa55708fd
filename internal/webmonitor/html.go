package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Detection Overlay</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/overlay.css">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { max-width: 1280px; margin: 0 auto; padding: 16px; }
        .controls { display: flex; gap: 12px; align-items: center; margin-bottom: 12px; flex-wrap: wrap; }
        #stage { position: relative; width: 100%; height: 70vh; background: #000; }
        #video { width: 100%; height: 100%; object-fit: contain; }
        #boxes { position: absolute; pointer-events: none; }
        .box { position: absolute; border: 2px solid; box-sizing: border-box; pointer-events: auto; cursor: pointer; }
        .box.enlarged { border-width: 4px; }
        .box span { position: absolute; top: -18px; left: 0; font-size: 12px; background: rgba(0,0,0,0.7); padding: 0 4px; white-space: nowrap; }
        #status { font-size: 12px; color: #8f8; }
    </style>
</head>
<body>
    <div class="app">
        <div class="controls">
            <label>Video <input type="file" id="video-file" accept="video/*"></label>
            <label>Detections <input type="file" id="result-file" accept="application/json"></label>
            <span id="status">No session</span>
        </div>
        <div id="stage">
            <video id="video" controls muted playsinline></video>
            <div id="boxes"></div>
        </div>
    </div>
    <script>
        const video = document.getElementById('video');
        const stage = document.getElementById('stage');
        const boxes = document.getElementById('boxes');
        const statusEl = document.getElementById('status');
        let sessionId = null;

        document.getElementById('video-file').addEventListener('change', (e) => {
            const file = e.target.files[0];
            if (file) {
                video.src = URL.createObjectURL(file);
            }
        });

        document.getElementById('result-file').addEventListener('change', async (e) => {
            const file = e.target.files[0];
            if (!file) {
                return;
            }
            const resp = await fetch('/api/sessions?clock=callback', { method: 'POST', body: await file.text() });
            const info = await resp.json();
            if (!resp.ok) {
                statusEl.textContent = info.error;
                return;
            }
            sessionId = info.session_id;
            statusEl.textContent = 'Session ' + sessionId + ' (' + info.frame_count + ' frames @ ' + info.frame_rate + ' fps)';
            await sendViewport();
            watchFrames();
        });

        async function sendViewport() {
            if (!sessionId || !video.videoWidth) {
                return;
            }
            await fetch('/api/viewport', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({
                    container_width: stage.clientWidth,
                    container_height: stage.clientHeight,
                    media_width: video.videoWidth,
                    media_height: video.videoHeight,
                }),
            });
        }

        function watchFrames() {
            if (!('requestVideoFrameCallback' in HTMLVideoElement.prototype)) {
                statusEl.textContent = 'requestVideoFrameCallback is not supported by this browser';
                return;
            }
            const onFrame = (now, metadata) => {
                fetch('/api/playback/frame', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify({ media_time: metadata.mediaTime, presented_frames: metadata.presentedFrames }),
                });
                video.requestVideoFrameCallback(onFrame);
            };
            video.requestVideoFrameCallback(onFrame);
        }

        video.addEventListener('loadedmetadata', sendViewport);
        window.addEventListener('resize', sendViewport);

        function render(snap) {
            const surface = snap.surface || { width: 0, height: 0 };
            boxes.style.width = surface.width + 'px';
            boxes.style.height = surface.height + 'px';
            boxes.style.left = ((stage.clientWidth - surface.width) / 2) + 'px';
            boxes.style.top = ((stage.clientHeight - surface.height) / 2) + 'px';
            boxes.replaceChildren(...snap.detections.map((d) => {
                const el = document.createElement('div');
                el.className = 'box' + (d.enlarged ? ' enlarged' : '');
                el.style.width = d.rect.width + 'px';
                el.style.height = d.rect.height + 'px';
                el.style.left = d.rect.left + 'px';
                el.style.bottom = d.rect.bottom + 'px';
                el.style.borderColor = d.color;
                el.style.opacity = d.opacity;
                const label = document.createElement('span');
                label.textContent = d.data.class_name + ' ' + Math.round(d.data.confidence * 100) + '%';
                label.style.color = d.color;
                el.appendChild(label);
                el.addEventListener('click', () => {
                    fetch('/api/detections/' + encodeURIComponent(d.id) + '/enlarge', { method: 'POST' });
                });
                return el;
            }));
        }

        const events = new EventSource('/api/detections/stream');
        events.onmessage = (e) => render(JSON.parse(e.data));
    </script>
</body>
</html>
`
