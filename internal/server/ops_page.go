package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const opsPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Ops · Spaceport</title>
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>◈</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b; --bg-subtle: #18181b; --border: #27272a;
            --text: #fafafa; --text-secondary: #a1a1aa; --text-tertiary: #52525b;
            --accent: #38bdf8; --ok: #22c55e; --bad: #ef4444;
        }
        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg); color: var(--text);
            min-height: 100vh; font-size: 14px;
            -webkit-font-smoothing: antialiased;
        }
        .mono { font-family: 'JetBrains Mono', monospace; }
        .container { max-width: 900px; margin: 0 auto; padding: 0 24px; }
        header {
            border-bottom: 1px solid var(--border); padding: 16px 0;
            position: sticky; top: 0; background: var(--bg); z-index: 100;
        }
        .header-inner { display: flex; justify-content: space-between; align-items: center; }
        .logo { display: flex; align-items: center; gap: 10px; text-decoration: none; color: var(--text); }
        .logo-mark { width: 24px; height: 24px; background: var(--accent); border-radius: 6px; }
        .logo-text { font-weight: 600; font-size: 15px; }
        nav { display: flex; gap: 32px; }
        nav a { color: var(--text-secondary); text-decoration: none; font-size: 13px; transition: color 0.15s; }
        nav a:hover, nav a.active { color: var(--text); }

        .section-header {
            padding: 48px 0 24px;
            display: flex; justify-content: space-between; align-items: flex-end;
        }
        .section-title { font-size: 24px; font-weight: 600; margin-bottom: 4px; }
        .section-desc { color: var(--text-secondary); }
        .live-badge {
            display: flex; align-items: center; gap: 8px;
            background: var(--bg-subtle); border: 1px solid var(--border);
            padding: 8px 14px; border-radius: 20px; font-size: 13px; color: var(--text-secondary);
        }
        .live-dot {
            width: 8px; height: 8px; border-radius: 50%;
            animation: pulse 2s ease-in-out infinite;
        }
        .live-dot.ok { background: var(--ok); }
        .live-dot.bad { background: var(--bad); }
        @keyframes pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.4; } }

        .checks { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 16px; }
        .check {
            background: var(--bg-subtle); border: 1px solid var(--border);
            border-radius: 8px; padding: 16px;
        }
        .check-name { color: var(--text-secondary); font-size: 12px; text-transform: uppercase; letter-spacing: 0.05em; }
        .check-value { font-size: 16px; font-weight: 500; margin-top: 6px; }
        .check-value.ok { color: var(--ok); }
        .check-value.bad { color: var(--bad); }

        h2 { font-size: 16px; font-weight: 600; margin: 40px 0 16px; }
        table { width: 100%; border-collapse: collapse; }
        th {
            text-align: left; padding: 10px 12px; border-bottom: 1px solid var(--border);
            color: var(--text-tertiary); font-size: 11px; text-transform: uppercase; letter-spacing: 0.05em;
        }
        td { padding: 12px; border-bottom: 1px solid var(--border); font-size: 13px; }
        td.num { font-family: 'JetBrains Mono', monospace; text-align: right; }
        .tier-name { font-weight: 600; text-transform: capitalize; }
        .hint {
            background: var(--bg-subtle); border: 1px solid var(--border);
            border-radius: 8px; padding: 16px; margin-top: 16px;
            color: var(--text-secondary); font-size: 13px; line-height: 1.7;
        }
        .hint code { font-family: 'JetBrains Mono', monospace; color: var(--text); font-size: 12px; }

        .empty { text-align: center; padding: 80px 24px; color: var(--text-tertiary); }

        footer { border-top: 1px solid var(--border); padding: 24px 0; margin-top: 48px; text-align: center; color: var(--text-tertiary); font-size: 13px; }
        footer a { color: var(--text-secondary); text-decoration: none; margin: 0 12px; }
    </style>
</head>
<body>
    <header><div class="container header-inner">
        <a href="/" class="logo"><div class="logo-mark"></div><span class="logo-text">Spaceport</span></a>
        <nav>
            <a href="/" class="active">Ops</a>
            <a href="/api">API</a>
            <a href="/metrics">Metrics</a>
        </nav>
    </div></header>
    <main class="container">
        <div class="section-header">
            <div>
                <h1 class="section-title">Service Status</h1>
                <p class="section-desc">Subscription and entitlement engine</p>
            </div>
            <div class="live-badge"><span class="live-dot ok" id="statusDot"></span> <span id="statusText">Checking…</span></div>
        </div>
        <div class="checks" id="checks"><div class="empty">Loading checks…</div></div>

        <h2>Tier Catalog</h2>
        <table>
            <thead><tr>
                <th>Tier</th><th style="text-align:right">Libraries</th><th style="text-align:right">External users</th>
                <th style="text-align:right">API calls / mo</th><th style="text-align:right">Client spaces</th>
                <th style="text-align:right">Audit retention</th>
            </tr></thead>
            <tbody id="tiers"><tr><td colspan="6" class="empty">Loading catalog…</td></tr></tbody>
        </table>

        <h2>Live Ops Feed</h2>
        <div class="hint">
            Subscription transitions, authorization decisions, billing outcomes, and sweep
            runs stream over WebSocket. Connect with a tenant API key to watch one tenant,
            or the admin secret to watch everything:<br>
            <code>websocat ws://HOST/v1/ops/feed -H "Authorization: Bearer sk_..."</code>
        </div>
    </main>
    <footer><div class="container"><a href="/v1/catalog/tiers">Catalog API</a><a href="/health">Health</a><a href="/metrics">Metrics</a></div></footer>
    <script>
        const fmtLimit = n => n === -1 ? '∞' : n.toLocaleString();

        function loadHealth() {
            fetch('/health').then(r => r.json().then(data => ({ok: r.ok, data}))).then(({ok, data}) => {
                document.getElementById('statusDot').className = 'live-dot ' + (ok ? 'ok' : 'bad');
                document.getElementById('statusText').textContent = data.status;
                const entries = Object.entries(data.checks || {});
                document.getElementById('checks').innerHTML = entries.map(([name, v]) =>
                    '<div class="check">'+
                        '<div class="check-name">'+name+'</div>'+
                        '<div class="check-value '+(v.startsWith('healthy') ? 'ok' : 'bad')+'">'+v+'</div>'+
                    '</div>'
                ).join('') || '<div class="empty">No checks registered</div>';
            }).catch(() => {
                document.getElementById('statusDot').className = 'live-dot bad';
                document.getElementById('statusText').textContent = 'unreachable';
            });
        }

        function loadCatalog() {
            fetch('/v1/catalog/tiers').then(r => r.json()).then(data => {
                document.getElementById('tiers').innerHTML = (data.tiers || []).map(t =>
                    '<tr>'+
                        '<td class="tier-name">'+t.tier+'</td>'+
                        '<td class="num">'+fmtLimit(t.limits.maxLibraries)+'</td>'+
                        '<td class="num">'+fmtLimit(t.limits.maxExternalUsers)+'</td>'+
                        '<td class="num">'+fmtLimit(t.limits.apiCallsPerMonth)+'</td>'+
                        '<td class="num">'+fmtLimit(t.limits.maxClientSpaces)+'</td>'+
                        '<td class="num">'+fmtLimit(t.limits.auditRetentionDays)+' d</td>'+
                    '</tr>'
                ).join('');
            });
        }

        loadHealth();
        loadCatalog();
        setInterval(loadHealth, 5000);
    </script>
</body>
</html>`

func opsPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, opsPageHTML)
}
