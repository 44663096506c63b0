package vmdk

// DiagLogger is the narrow diagnostic-stream interface the parallel copy
// engine writes per-worker failure detail to; CopyDisk itself returns only
// a generic failure, so this is the only place that detail appears. It
// is a cut-down version of pkg/elog.Logger's Debugf/Errorf, trimmed to
// what a codec library needs from an optional caller-supplied logger.
type DiagLogger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopLogger discards everything; used whenever a caller doesn't supply a
// DiagLogger.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{}) {}

var discardLog DiagLogger = nopLogger{}
