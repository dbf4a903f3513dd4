package playwrightdriver

import (
	"github.com/formscout/controlplane/internal/crawler"
)

// fieldsScript enumerates every input, select and textarea on the page,
// flagging the hidden ones, matching the shape of crawler.FieldSnapshot.
const fieldsScript = `() => {
  const els = Array.from(document.querySelectorAll('input, select, textarea'));
  return els.map((el, i) => {
    const style = window.getComputedStyle(el);
    const hidden = el.type === 'hidden' || style.display === 'none' || style.visibility === 'hidden';
    return {
      field_id: el.id || el.name || ('field_' + i),
      tag: el.tagName.toLowerCase(),
      type: el.type || '',
      hidden,
    };
  });
}`

// clickablesScript enumerates buttons, links and role="button" elements
// with visible text, matching the shape of crawler.Clickable.
const clickablesScript = `() => {
  const nodes = Array.from(document.querySelectorAll('button, a, [role="button"], [onclick]'));
  const seen = new Set();
  const out = [];
  for (const el of nodes) {
    const rect = el.getBoundingClientRect();
    if (rect.width === 0 && rect.height === 0) continue;
    const text = (el.innerText || el.textContent || el.getAttribute('aria-label') || '').trim();
    if (!text) continue;
    const key = text + '|' + (el.id || '');
    if (seen.has(key)) continue;
    seen.add(key);
    let insideTable = false;
    let p = el;
    while (p) { if (p.tagName === 'TABLE') { insideTable = true; break; } p = p.parentElement; }
    out.push({
      text,
      selector: el.id ? ('#' + el.id) : '',
      full_xpath: xpathOf(el),
      y_position: Math.round(rect.top),
      inside_table: insideTable,
      opens_dropdown: el.getAttribute('aria-haspopup') === 'true' || el.getAttribute('aria-expanded') !== null,
    });
  }
  function xpathOf(node) {
    const segs = [];
    while (node && node.nodeType === 1) {
      let idx = 1, sib = node.previousElementSibling;
      while (sib) { if (sib.tagName === node.tagName) idx++; sib = sib.previousElementSibling; }
      segs.unshift(node.tagName.toLowerCase() + '[' + idx + ']');
      node = node.parentElement;
    }
    return '/' + segs.join('/');
  }
  return out;
}`

// submissionButtonScript finds the most likely form-submission control.
const submissionButtonScript = `() => {
  const candidates = Array.from(document.querySelectorAll('button[type=submit], input[type=submit], button'));
  for (const el of candidates) {
    const text = (el.innerText || el.value || '').trim().toLowerCase();
    if (['submit', 'save', 'create', 'send', 'register', 'update'].some(w => text.includes(w))) {
      return el.id ? ('#' + el.id) : text;
    }
  }
  return '';
}`

func parseFields(raw interface{}) []crawler.FieldSnapshot {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]crawler.FieldSnapshot, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, crawler.FieldSnapshot{
			FieldID: asString(m["field_id"]),
			Tag:     asString(m["tag"]),
			Type:    asString(m["type"]),
			Hidden:  asBool(m["hidden"]),
		})
	}
	return out
}

func parseClickables(raw interface{}) []crawler.Clickable {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]crawler.Clickable, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, crawler.Clickable{
			Text:          asString(m["text"]),
			Selector:      asString(m["selector"]),
			FullXPath:     asString(m["full_xpath"]),
			YPosition:     int(asFloat(m["y_position"])),
			InsideTable:   asBool(m["inside_table"]),
			OpensDropdown: asBool(m["opens_dropdown"]),
		})
	}
	return out
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
