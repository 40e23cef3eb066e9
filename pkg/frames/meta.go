package frames

const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaReason        = "reason"
	MetaEncoding      = "encoding"
	MetaCodec         = "codec"
	MetaFormat        = "format"
	MetaDTMFDigit     = "dtmf_digit"
	MetaMarkName      = "mark_name"
	MetaCallEndReason = "call_end_reason"
	MetaOldStreamID   = "old_stream_id"
	MetaFromNumber    = "from_number"
	MetaToNumber      = "to_number"
	MetaRole          = "role"
	MetaIsFinal       = "is_final"
	MetaAgent         = "agent"
	MetaDTMFPriority  = "dtmf_priority"
)
