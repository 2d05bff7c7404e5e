package stealth

// ActivityScript is installed on every new document alongside the stealth
// script. It maintains page-global activity markers that the tab-follow
// scorer reads through SnapshotScript. It deliberately uses the well-known
// variable names the external agent also updates.
const ActivityScript = `
(() => {
    'use strict';
    if (window.__tcActivityTracker) return;
    window.__tcActivityTracker = true;

    const now = () => Date.now();
    window.browserUseActive = true;
    window.automationInProgress = true;
    window.browserUseLastAction = now();
    window.lastInteractionTime = now();
    window.lastDomModification = now();
    window.lastVisibilityChange = now();

    const touch = () => {
        window.browserUseLastAction = now();
        window.lastInteractionTime = now();
    };

    const mouseEvents = ['click', 'mousedown', 'mouseup', 'mousemove', 'wheel'];
    const keyEvents = ['keydown', 'keyup', 'keypress', 'input'];
    const formEvents = ['change', 'select', 'focus', 'blur', 'submit'];
    for (const ev of [...mouseEvents, ...keyEvents, ...formEvents]) {
        document.addEventListener(ev, touch, { capture: true, passive: true });
    }

    const watchedAttrs = ['class', 'style', 'value', 'data-testid', 'aria-label', 'checked', 'selected'];
    const observer = new MutationObserver((mutations) => {
        for (const m of mutations) {
            if (m.type === 'childList' && m.addedNodes.length > 0) {
                window.lastDomModification = now();
                return;
            }
            if (m.type === 'characterData') {
                window.lastDomModification = now();
                return;
            }
            if (m.type === 'attributes' && watchedAttrs.includes(m.attributeName)) {
                window.lastDomModification = now();
                return;
            }
        }
    });
    const startObserver = () => {
        observer.observe(document.documentElement || document, {
            subtree: true,
            childList: true,
            characterData: true,
            attributes: true,
            attributeFilter: watchedAttrs
        });
    };
    if (document.documentElement) {
        startObserver();
    } else {
        document.addEventListener('DOMContentLoaded', startObserver);
    }

    document.addEventListener('visibilitychange', () => {
        window.lastVisibilityChange = now();
    });
})();
`

// SnapshotScript is a single expression evaluated in the page to read the
// activity state in one round trip. It returns a JSON-serializable object
// matching follow.Snapshot.
const SnapshotScript = `
(() => {
    const now = Date.now();
    const n = (v) => typeof v === 'number' ? v : 0;
    const lastAction = n(window.browserUseLastAction);
    const lastInteraction = n(window.lastInteractionTime);
    const lastDom = n(window.lastDomModification);
    const lastActivity = Math.max(lastAction, lastInteraction, lastDom);

    const active = document.activeElement;
    const tag = active ? active.tagName.toLowerCase() : '';
    const inputTags = ['input', 'textarea', 'select'];

    let hasFormValues = false;
    try {
        for (const form of document.forms) {
            for (const el of form.elements) {
                if (el.value && String(el.value).trim() !== '') { hasFormValues = true; break; }
            }
            if (hasFormValues) break;
        }
    } catch (e) {}

    let hasMarkers = false;
    try {
        hasMarkers = !!(document.querySelector('[data-browser-use]') ||
            document.querySelector('.browser-use-target'));
    } catch (e) {}

    return {
        browserUseLastAction: lastAction,
        lastInteractionTime: lastInteraction,
        lastDomModification: lastDom,
        browserUseActive: !!window.browserUseActive,
        automationInProgress: !!window.automationInProgress,
        activityWithin3s: lastActivity > 0 && (now - lastActivity) < 3000,
        activityWithin5s: lastActivity > 0 && (now - lastActivity) < 5000,
        isVisible: document.visibilityState === 'visible',
        hasFocus: document.hasFocus(),
        isActiveElement: !!active && tag !== 'body',
        hasInputFocus: inputTags.includes(tag),
        isLoading: document.readyState === 'loading',
        hasAutomationMarkers: hasMarkers,
        hasFormActivity: hasFormValues,
        lastActivityTime: lastActivity,
        timeSinceLastActivity: lastActivity > 0 ? now - lastActivity : -1
    };
})()
`
