package domain

const (
	PrivilegeUser  = 0
	PrivilegeAdmin = 1
)

// UserSession is the identity attached to a validated session key.
type UserSession struct {
	SessionId   string
	SessionKey  string
	NumSession  int64
	NumUser     int64
	UserId      string
	Login       string
	Home        string
	Privilege   int
	MachineName string
}

func (s *UserSession) IsAdmin() bool {
	return s.Privilege == PrivilegeAdmin
}

// ExecutionContext carries everything a single request needs to know about the caller and the
// target machine. It is built once per request and never stored.
type ExecutionContext struct {
	Session      *UserSession
	MachineId    string
	BatchType    BatchType
	BatchVersion string
	// Standalone selects local dispatch; otherwise requests are relayed over SSH.
	Standalone bool
	// Debug keeps temporary scripts on disk.
	Debug bool
}
