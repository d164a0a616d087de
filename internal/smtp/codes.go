package smtp

// Reply codes the client branches on.
const (
	CodeServiceReady   = 220
	CodeServiceClosing = 221
	CodeAuthSuccess    = 235
	CodeOK             = 250
	CodeAuthContinue   = 334
	CodeStartMailInput = 354

	// Replies from CodeFailure upwards abort the session.
	CodeFailure = 400
)

const (
	extStartTLS = "STARTTLS"

	// maxReplyLineLen bounds a single reply line from the upstream server.
	maxReplyLineLen = 2048
	// maxReplyLines bounds the lines of one multi-line reply.
	maxReplyLines = 100
)
