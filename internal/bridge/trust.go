package bridge

import "bytes"

// trustPrompt is the literal text claude prints on first run in an untrusted
// folder. The bridge answers it by synthesizing a single Enter keystroke.
const trustPrompt = "Do you trust the files in this folder?"

// trustAnswer accepts the highlighted default option.
const trustAnswer = "\r"

// trustInterceptor watches raw output for the trust prompt and fires the
// answer at most once per bridge lifetime, even if the prompt text scrolls
// through the output again later.
type trustInterceptor struct {
	fired  bool
	window []byte
	send   func([]byte) error
}

func newTrustInterceptor(send func([]byte) error) *trustInterceptor {
	return &trustInterceptor{send: send}
}

// scan inspects an output chunk. A sliding window covers prompts split
// across read boundaries.
func (t *trustInterceptor) scan(chunk []byte) {
	if t.fired {
		return
	}

	t.window = append(t.window, chunk...)
	if len(t.window) > 4*len(trustPrompt) {
		t.window = t.window[len(t.window)-2*len(trustPrompt):]
	}

	if bytes.Contains(t.window, []byte(trustPrompt)) {
		t.fired = true
		t.window = nil
		t.send([]byte(trustAnswer))
	}
}
