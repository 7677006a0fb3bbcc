package encoder

// NullEncoder discards every directive. Used when NOVIDEO is set.
type NullEncoder struct{}

func (NullEncoder) Encode(path string) error { return nil }
func (NullEncoder) Repeat() error            { return nil }
func (NullEncoder) Close() error             { return nil }

// Directive is one recorded call against a RecordingEncoder, for tests
// asserting P3 (exactly one directive per captured frame, in order).
type Directive struct {
	Kind string // "R" or "E"
	Path string // set only for "E"
}

// RecordingEncoder records every directive it receives instead of driving
// a real pipeline.
type RecordingEncoder struct {
	Directives []Directive
	closed     bool
}

func (r *RecordingEncoder) Encode(path string) error {
	r.Directives = append(r.Directives, Directive{Kind: "E", Path: path})
	return nil
}

func (r *RecordingEncoder) Repeat() error {
	r.Directives = append(r.Directives, Directive{Kind: "R"})
	return nil
}

func (r *RecordingEncoder) Close() error {
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *RecordingEncoder) Closed() bool {
	return r.closed
}
