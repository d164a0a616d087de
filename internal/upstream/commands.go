package upstream

type Command struct {
	Name      string
	Prefix    string
	Structure string
}

var (
	CmdEhlo = Command{
		Name:   "EHLO",
		Prefix: "EHLO ",
	}

	CmdHelo = Command{
		Name:   "HELO",
		Prefix: "HELO ",
	}

	CmdMailFrom = Command{
		Name:   "MAIL FROM",
		Prefix: "MAIL FROM:",
	}

	CmdRcptTo = Command{
		Name:   "RCPT TO",
		Prefix: "RCPT TO:",
	}

	CmdData = Command{
		Name:   "DATA",
		Prefix: "DATA",
	}

	CmdRset = Command{
		Name:   "RSET",
		Prefix: "RSET",
	}

	CmdNoop = Command{
		Name:   "NOOP",
		Prefix: "NOOP",
	}

	CmdQuit = Command{
		Name:   "QUIT",
		Prefix: "QUIT",
	}

	// extensions
	CmdStartTls = Command{
		Name:      "STARTTLS",
		Prefix:    "STARTTLS",
		Structure: "STARTTLS",
	}

	CmdAuthLogin = Command{
		Name:      "AUTH LOGIN",
		Prefix:    "AUTH LOGIN",
		Structure: "AUTH LOGIN PLAIN",
	}

	CmdAuthPlain = Command{
		Name:   "AUTH PLAIN",
		Prefix: "AUTH PLAIN",
	}
)

// contentKeyword names the end of the DATA transfer in Configuration.Reject.
const contentKeyword = "CONTENT"
