package browser

import (
	"encoding/json"
	"fmt"
)

// evasionScript masks the automation fingerprints go-rod/stealth leaves
// behind and aligns navigator with the persona. It runs before any page
// script on every new document.
const evasionScript = `
(function() {
	const languages = %s;
	const platform = %s;

	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });

	Object.defineProperty(navigator, 'plugins', {
		get: () => [
			{name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer'},
			{name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai'},
			{name: 'Native Client', filename: 'internal-nacl-plugin'}
		]
	});

	Object.defineProperty(navigator, 'languages', { get: () => languages });
	if (platform) {
		Object.defineProperty(navigator, 'platform', { get: () => platform });
	}

	if (window.navigator.permissions) {
		const originalQuery = window.navigator.permissions.query;
		window.navigator.permissions.query = (parameters) => (
			parameters.name === 'notifications' ?
				Promise.resolve({ state: Notification.permission }) :
				originalQuery(parameters)
		);
	}

	if (!window.chrome) {
		window.chrome = { runtime: {}, loadTimes: function() {}, csi: function() {}, app: {} };
	}

	delete window.callPhantom;
	delete window._phantom;
	delete window.__nightmare;
	delete window.Buffer;
	delete window.emit;
	delete window.spawn;
})();
`

// EvasionScript renders the evasion script for a persona.
func EvasionScript(p Persona) string {
	langs := p.Languages
	if len(langs) == 0 {
		langs = []string{"en-US", "en"}
	}
	l, _ := json.Marshal(langs)
	pl, _ := json.Marshal(p.Platform)
	return fmt.Sprintf(evasionScript, l, pl)
}

const storageCaptureScript = `() => {
	const dump = (s) => {
		const out = {};
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			out[k] = s.getItem(k);
		}
		return out;
	};
	return JSON.stringify({
		origin: location.origin,
		local: dump(window.localStorage),
		session: dump(window.sessionStorage)
	});
}`

const storageRestoreScript = `(local, session) => {
	for (const k in local) { window.localStorage.setItem(k, local[k]); }
	for (const k in session) { window.sessionStorage.setItem(k, session[k]); }
}`

const storageClearScript = `() => {
	try { window.localStorage.clear(); } catch (e) {}
	try { window.sessionStorage.clear(); } catch (e) {}
}`

// networkIdleScript reports whether XHR/fetch traffic has settled.
const networkIdleScript = `() => {
	if (window.jQuery && jQuery.active > 0) return false;
	return document.readyState === 'complete';
}`
