package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAgentConnect     ReasonCode = "agent_connect"
	ReasonAgentHandshake   ReasonCode = "agent_handshake"
	ReasonAgentSend        ReasonCode = "agent_send"
	ReasonAgentStream      ReasonCode = "agent_stream"
	ReasonAgentRateLimit   ReasonCode = "agent_rate_limit"
	ReasonAgentCircuitOpen ReasonCode = "agent_circuit_open"

	ReasonTranscribeConnect ReasonCode = "transcribe_connect"
	ReasonTranscribeSend    ReasonCode = "transcribe_send"

	ReasonSummaryGenerate  ReasonCode = "summary_generate"
	ReasonSummaryRateLimit ReasonCode = "summary_rate_limit"

	ReasonNotifySend  ReasonCode = "notify_send"
	ReasonNotifyRetry ReasonCode = "notify_retry"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportDial             ReasonCode = "transport_dial"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)
