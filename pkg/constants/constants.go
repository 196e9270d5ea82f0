package constants

// Incoming socket events.
const (
	EventAuthenticate = "authenticate"
	EventGetObjects   = "getObjects"
	EventGetObject    = "getObject"
	EventGetModels    = "getModels"
	EventUpdateModel  = "update-model"
	EventSetupServer  = "setup-server"
)

// Outgoing socket events.
const (
	EventAck                 = "ack"
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authenticationError"
	EventReceiveToken        = "receive-token"
	EventServerSetup         = "server-setup"
	EventUserCreated         = "user-created"
	EventLifecycleError      = "lifecycleError"

	// ReceivePrefix is joined with a query id to name a result channel.
	ReceivePrefix = "receive-"
)

const (
	// TokenParam is the connection query parameter carrying a session token.
	TokenParam = "token"
	// TokenAbsent is what clients send when they hold no token.
	TokenAbsent = "null"

	// UserKind is the privileged kind holding credentials.
	UserKind = "user"
	// PasswordField is stripped from user entities before they leave the server.
	PasswordField = "password"
	UsernameField = "username"

	CloseMessageCode = 1000
	DefaultIssuer    = "FrontBase"
)
