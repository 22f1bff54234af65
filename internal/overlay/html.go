package overlay

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Proctoring Monitor</title>
<style>
  body { margin: 0; font-family: system-ui, sans-serif; background: transparent; }
  #monitor { position: fixed; right: 16px; bottom: 16px; width: 240px; background: #18181b; color: #f4f4f5;
             border-radius: 10px; box-shadow: 0 6px 24px rgba(0,0,0,.35); overflow: hidden; }
  #monitor.minimized #body { display: none; }
  header { display: flex; align-items: center; gap: 8px; padding: 6px 10px; font-size: 12px; }
  header button { margin-left: auto; background: none; border: 0; color: inherit; cursor: pointer; }
  .badge { padding: 2px 8px; border-radius: 999px; font-weight: 600; }
  .badge.active { background: #16a34a; }
  .badge.loading { background: #ca8a04; }
  .badge.degraded { background: #dc2626; }
  #preview { display: block; width: 240px; height: 180px; object-fit: cover; background: #27272a; }
  #stats { display: flex; justify-content: space-between; padding: 6px 10px; font-size: 11px; color: #a1a1aa; }
  #alert { display: none; padding: 8px 10px; background: #7f1d1d; font-size: 12px; }
  #alert.show { display: flex; gap: 8px; align-items: flex-start; }
  #alert button { margin-left: auto; background: none; border: 0; color: inherit; cursor: pointer; }
  #notice { display: none; padding: 6px 10px; font-size: 11px; background: #3f3f46; }
  #notice.show { display: block; }
</style>
</head>
<body>
<div id="monitor">
  <header>
    <span id="badge" class="badge loading">loading</span>
    <span>Proctoring</span>
    <button id="minimize" title="Minimize">&#8211;</button>
  </header>
  <div id="body">
    <img id="preview" src="/stream" alt="camera preview">
    <div id="stats">
      <span>Violations: <b id="violations">0</b></span>
      <span>Tab switches: <b id="tabs">0</b></span>
    </div>
    <div id="notice"></div>
  </div>
  <div id="alert"><span id="alert-text"></span><button id="dismiss" title="Dismiss">&#215;</button></div>
</div>
<script>
(function () {
  var monitor = document.getElementById('monitor');
  var minimized = false;

  function post(path, body) {
    return fetch(path, {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: body === undefined ? '{}' : JSON.stringify(body)
    }).catch(function () {});
  }

  function render(s) {
    var badge = document.getElementById('badge');
    badge.textContent = s.status;
    badge.className = 'badge ' + s.status;
    document.getElementById('violations').textContent = s.violationCount;
    document.getElementById('tabs').textContent = s.tabSwitchCount;

    var notice = document.getElementById('notice');
    notice.textContent = s.notice || '';
    notice.className = s.notice ? 'show' : '';

    var alert = document.getElementById('alert');
    document.getElementById('alert-text').textContent = s.currentAlert || '';
    alert.className = s.currentAlert ? 'show' : '';

    minimized = !!s.minimized;
    monitor.className = minimized ? 'minimized' : '';
  }

  // Control messages go over the data channel once it is open and fall
  // back to plain POSTs until then.
  var channel = null;

  function control(msg, path, body) {
    if (channel && channel.readyState === 'open') {
      channel.send(JSON.stringify(msg));
      return;
    }
    post(path, body);
  }

  document.getElementById('minimize').onclick = function () {
    control({ type: 'minimize', minimized: !minimized }, '/api/overlay/minimize', { minimized: !minimized });
  };
  document.getElementById('dismiss').onclick = function () {
    control({ type: 'dismiss' }, '/api/alert/dismiss');
  };

  document.addEventListener('visibilitychange', function () {
    var hidden = document.visibilityState === 'hidden';
    control({ type: 'visibility', hidden: hidden }, '/api/visibility', { hidden: hidden });
  });
  document.addEventListener('contextmenu', function (e) { e.preventDefault(); });

  var events = new EventSource('/api/status/stream');
  events.onmessage = function (e) {
    try { render(JSON.parse(e.data)); } catch (err) {}
  };

  function connectChannel() {
    if (!window.RTCPeerConnection) return;
    var pc = new RTCPeerConnection();
    var dc = pc.createDataChannel('proctoring');
    dc.onopen = function () { channel = dc; };
    dc.onclose = function () { if (channel === dc) channel = null; };
    dc.onmessage = function (e) {
      try { render(JSON.parse(e.data)); } catch (err) {}
    };

    pc.createOffer()
      .then(function (offer) { return pc.setLocalDescription(offer); })
      .then(function () {
        return new Promise(function (resolve) {
          if (pc.iceGatheringState === 'complete') return resolve();
          pc.onicegatheringstatechange = function () {
            if (pc.iceGatheringState === 'complete') resolve();
          };
        });
      })
      .then(function () {
        return fetch('/api/webrtc/offer', {
          method: 'POST',
          headers: { 'Content-Type': 'application/json' },
          body: JSON.stringify(pc.localDescription)
        });
      })
      .then(function (resp) {
        if (!resp.ok) throw new Error('offer rejected');
        return resp.json();
      })
      .then(function (answer) { return pc.setRemoteDescription(answer); })
      .catch(function () { pc.close(); });
  }
  connectChannel();
})();
</script>
</body>
</html>
`
