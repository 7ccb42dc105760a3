package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>mysqlbackend status</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--yellow:#d29922;--radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
.container{max-width:1100px;margin:0 auto;padding:24px}
header{display:flex;align-items:center;gap:12px;margin-bottom:24px}
header h1{font-size:18px;font-weight:700}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:10px 14px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);font-weight:600;text-transform:uppercase;font-size:11px;letter-spacing:.04em}
tr:last-child td{border-bottom:none}
.dot{width:8px;height:8px;border-radius:50%;display:inline-block;margin-right:6px}
.dot-green{background:var(--green)}.dot-yellow{background:var(--yellow)}
.muted{color:var(--text-muted)}
footer{margin-top:16px;font-size:12px;color:var(--text-muted)}
</style>
</head>
<body>
<div class="container">
  <header>
    <h1>mysqlbackend</h1>
    <span id="overallBadge" class="badge">loading…</span>
  </header>
  <table>
    <thead>
      <tr><th>Server</th><th>Address</th><th>Status</th><th>Active</th><th>Idle</th><th>Total</th><th>Waiting</th><th>Exhausted</th></tr>
    </thead>
    <tbody id="rows"><tr><td colspan="8" class="muted">loading…</td></tr></tbody>
  </table>
  <footer id="footer"></footer>
</div>
<script>
(function() {
  function esc(s) { return String(s).replace(/[&<>"']/g, function(c) {
    return {'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c];
  }); }

  function render(servers) {
    var rows = servers.map(function(s) {
      var dot = s.maintenance ? '<span class="dot dot-yellow"></span>maintenance' : '<span class="dot dot-green"></span>up';
      var p = s.pool || {};
      return '<tr>' +
        '<td>' + esc(s.name) + '</td>' +
        '<td class="muted">' + esc(s.address) + '</td>' +
        '<td>' + dot + '</td>' +
        '<td>' + (p.active || 0) + '</td>' +
        '<td>' + (p.idle || 0) + '</td>' +
        '<td>' + (p.total || 0) + '</td>' +
        '<td>' + (p.waiting || 0) + '</td>' +
        '<td>' + (p.pool_exhausted_total || 0) + '</td>' +
        '</tr>';
    });
    document.getElementById('rows').innerHTML = rows.length
      ? rows.join('')
      : '<tr><td colspan="8" class="muted">no servers configured</td></tr>';

    var anyMaint = servers.some(function(s) { return s.maintenance; });
    var badge = document.getElementById('overallBadge');
    badge.className = 'badge ' + (anyMaint ? 'badge-unhealthy' : 'badge-healthy');
    badge.textContent = anyMaint ? 'degraded' : 'healthy';
  }

  function refresh() {
    fetch('/servers').then(function(r) { return r.json(); }).then(render).catch(function(err) {
      document.getElementById('footer').textContent = 'fetch failed: ' + err;
    });
  }

  refresh();
  setInterval(refresh, 5000);
})();
</script>
</body>
</html>
`
