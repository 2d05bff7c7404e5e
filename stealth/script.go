package stealth

import (
	"encoding/json"
	"strings"

	"github.com/tabcast/tabcast/chromium"
)

// Script renders the on-new-document stealth script for the given
// fingerprint. The script must run at document start, before any page
// code can observe the pristine environment.
func Script(fp *Fingerprint) string {
	raw, err := json.Marshal(fp)
	if err != nil {
		// Fingerprint is a plain struct; this cannot fail at runtime.
		raw = []byte("{}")
	}
	return strings.ReplaceAll(stealthScript, "__FINGERPRINT__", string(raw))
}

// PlatformScript returns the extra on-new-document script for a recognized
// platform, or "" when the platform has none.
func PlatformScript(p chromium.Platform) string {
	return platformScripts[p]
}

// automationProps is the fixed list of page globals that betray automation
// tooling; the stealth script deletes every one of them.
const automationProps = `[
  "webdriver", "_selenium", "callSelenium", "_Selenium_IDE_Recorder",
  "__webdriver_script_fn", "__driver_evaluate", "__webdriver_evaluate",
  "__selenium_evaluate", "__fxdriver_evaluate", "__driver_unwrapped",
  "__webdriver_unwrapped", "__selenium_unwrapped", "__fxdriver_unwrapped",
  "__webdriver_script_func", "__webdriver_script_function",
  "$cdc_asdjflasutopfhvcZLmcfl_", "$chrome_asyncScriptInfo",
  "__$webdriverAsyncExecutor", "_browserUse", "_browserUseAgent",
  "_browserUseMarker"
]`

const stealthScript = `
(() => {
    'use strict';
    if (window.__tcStealthApplied) return;
    window.__tcStealthApplied = true;

    const fp = __FINGERPRINT__;

    try {
        // navigator.webdriver must read as undefined, and the property must
        // not be discoverable through 'in' or hasOwnProperty.
        Object.defineProperty(navigator, 'webdriver', {
            get: () => undefined,
            configurable: true
        });
        const origHasOwn = Object.prototype.hasOwnProperty;
        Object.defineProperty(Object.prototype, 'hasOwnProperty', {
            value: function(name) {
                if (this === navigator && name === 'webdriver') return false;
                return origHasOwn.call(this, name);
            },
            writable: true,
            configurable: true
        });
        const NavigatorProto = Object.getPrototypeOf(navigator);
        if (NavigatorProto && 'webdriver' in NavigatorProto) {
            try { delete NavigatorProto.webdriver; } catch (e) {}
        }

        const props = ` + automationProps + `;
        for (const name of props) {
            try { delete window[name]; } catch (e) {}
            try { delete document[name]; } catch (e) {}
        }
    } catch (e) {}

    try {
        Object.defineProperty(navigator, 'hardwareConcurrency', {
            get: () => fp.hardware.cores, configurable: true
        });
        Object.defineProperty(navigator, 'deviceMemory', {
            get: () => fp.hardware.memory, configurable: true
        });
        Object.defineProperty(navigator, 'platform', {
            get: () => fp.hardware.platform, configurable: true
        });
        Object.defineProperty(navigator, 'language', {
            get: () => fp.hardware.language, configurable: true
        });
        Object.defineProperty(navigator, 'languages', {
            get: () => [fp.hardware.language, fp.hardware.language.split('-')[0]],
            configurable: true
        });
    } catch (e) {}

    try {
        Object.defineProperty(navigator, 'plugins', {
            get: () => {
                const plugins = [
                    { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
                    { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '' },
                    { name: 'Native Client', filename: 'internal-nacl-plugin', description: '' }
                ];
                plugins.item = (i) => plugins[i] || null;
                plugins.namedItem = (n) => plugins.find(p => p.name === n) || null;
                plugins.refresh = () => {};
                return plugins;
            },
            configurable: true
        });
    } catch (e) {}

    try {
        if (navigator.permissions && navigator.permissions.query) {
            const origQuery = navigator.permissions.query.bind(navigator.permissions);
            navigator.permissions.query = (params) => {
                const state = fp.permissions[params.name];
                if (state) return Promise.resolve({ state: state, onchange: null });
                return origQuery(params);
            };
        }
    } catch (e) {}

    try {
        if (!window.chrome) window.chrome = {};
        if (!window.chrome.runtime) {
            window.chrome.runtime = {
                connect: function() {
                    return { onMessage: { addListener: function() {} }, postMessage: function() {}, disconnect: function() {} };
                },
                sendMessage: function() {},
                onMessage: { addListener: function() {}, removeListener: function() {} },
                id: undefined
            };
        }
    } catch (e) {}

    try {
        const RENDERER = 0x1F01, VENDOR = 0x1F00, VERSION = 0x1F02, SHADING = 0x8B8C;
        const UNMASKED_VENDOR = 37445, UNMASKED_RENDERER = 37446;
        const origGetContext = HTMLCanvasElement.prototype.getContext;
        HTMLCanvasElement.prototype.getContext = function(type, ...args) {
            const ctx = origGetContext.call(this, type, ...args);
            if (ctx && (type === 'webgl' || type === 'experimental-webgl' || type === 'webgl2')) {
                const origGetParameter = ctx.getParameter.bind(ctx);
                ctx.getParameter = function(param) {
                    switch (param) {
                        case RENDERER: case UNMASKED_RENDERER: return fp.webgl.renderer;
                        case VENDOR: case UNMASKED_VENDOR: return fp.webgl.vendor;
                        case VERSION: return fp.webgl.version;
                        case SHADING: return fp.webgl.shadingLanguageVersion;
                    }
                    return origGetParameter(param);
                };
            }
            return ctx;
        };

        // Flip rate is the session's canvas noise amplitude, so repeated
        // reads within one session perturb at a stable per-session rate.
        const origToDataURL = HTMLCanvasElement.prototype.toDataURL;
        HTMLCanvasElement.prototype.toDataURL = function(...args) {
            let data = origToDataURL.apply(this, args);
            if (Math.random() < fp.canvas.noise * 10 && data.length > 1) {
                const last = data.charAt(data.length - 1);
                const repl = last === 'A' ? 'B' : 'A';
                data = data.slice(0, -1) + repl;
            }
            return data;
        };
    } catch (e) {}

    try {
        if (document.fonts && document.fonts.check) {
            const avail = new Set(fp.fonts.map(f => f.toLowerCase()));
            const generic = ['serif', 'sans-serif', 'monospace', 'cursive', 'fantasy', 'system-ui'];
            const origCheck = document.fonts.check.bind(document.fonts);
            document.fonts.check = (font, text) => {
                const m = /['"]?([^'",]+)['"]?\s*$/.exec(font);
                if (m) {
                    const name = m[1].trim().toLowerCase();
                    if (!generic.includes(name)) return avail.has(name);
                }
                return origCheck(font, text);
            };
        }
    } catch (e) {}

    try {
        const origResolved = Intl.DateTimeFormat.prototype.resolvedOptions;
        Intl.DateTimeFormat.prototype.resolvedOptions = function() {
            const opts = origResolved.call(this);
            opts.timeZone = fp.hardware.timezone;
            return opts;
        };
    } catch (e) {}

    try {
        const OrigAudioContext = window.AudioContext || window.webkitAudioContext;
        if (OrigAudioContext) {
            const WrappedAudioContext = function(...args) {
                const ctx = new OrigAudioContext(...args);
                Object.defineProperty(ctx, 'sampleRate', {
                    get: () => fp.audio.sampleRate + (Math.random() - 0.5) * fp.audio.noise,
                    configurable: true
                });
                return ctx;
            };
            WrappedAudioContext.prototype = OrigAudioContext.prototype;
            window.AudioContext = WrappedAudioContext;
            if (window.webkitAudioContext) window.webkitAudioContext = WrappedAudioContext;
        }
    } catch (e) {}

    try {
        const blocked = ['webdriver', 'automation', 'selenium', 'browser-use'];
        const isBlocked = (sel) => typeof sel === 'string' && blocked.some(b => sel.includes(b));
        const origQS = document.querySelector.bind(document);
        const origQSA = document.querySelectorAll.bind(document);
        document.querySelector = (sel) => isBlocked(sel) ? null : origQS(sel);
        document.querySelectorAll = (sel) => isBlocked(sel) ? [] : origQSA(sel);
    } catch (e) {}

    try {
        const jitter = () => Math.floor(Math.random() * 3) - 1;
        Object.defineProperty(screen, 'width', {
            get: () => fp.hardware.screen.width + jitter(), configurable: true
        });
        Object.defineProperty(screen, 'height', {
            get: () => fp.hardware.screen.height + jitter(), configurable: true
        });
        Object.defineProperty(screen, 'colorDepth', {
            get: () => fp.hardware.screen.depth, configurable: true
        });
    } catch (e) {}
})();
`

var platformScripts = map[chromium.Platform]string{
	chromium.PlatformInstagram: `
(() => {
    'use strict';
    if (window.__tcInstagramApplied) return;
    window.__tcInstagramApplied = true;
    const origFetch = window.fetch;
    window.fetch = function(input, init) {
        try {
            const url = typeof input === 'string' ? input : (input && input.url) || '';
            if (url.includes('instagram.com')) {
                init = init || {};
                init.headers = Object.assign({}, init.headers, {
                    'X-IG-App-ID': '936619743392459',
                    'X-Requested-With': 'XMLHttpRequest'
                });
            }
        } catch (e) {}
        return origFetch.call(this, input, init);
    };
})();
`,
	chromium.PlatformLinkedIn: `
(() => {
    'use strict';
    if (window.__tcLinkedInApplied) return;
    window.__tcLinkedInApplied = true;
    const hide = () => {
        const style = document.createElement('style');
        style.textContent = '[data-test-bot-marker], .bot-detection-overlay, [data-automation-flag] { display: none !important; }';
        (document.head || document.documentElement).appendChild(style);
    };
    if (document.readyState === 'loading') {
        document.addEventListener('DOMContentLoaded', hide);
    } else {
        hide();
    }
})();
`,
}
