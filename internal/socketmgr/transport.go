package socketmgr

// Remote method names on the daemon's SocketManager interface.
const (
	methodListenL2cap               = "ListenUsingL2capChannel"
	methodListenInsecureL2cap       = "ListenUsingInsecureL2capChannel"
	methodListenRfcommRecord        = "ListenUsingRfcommWithServiceRecord"
	methodListenInsecureRfcommRec   = "ListenUsingInsecureRfcommWithServiceRecord"
	methodCreateL2cap               = "CreateL2capChannel"
	methodCreateInsecureL2cap       = "CreateInsecureL2capChannel"
	methodCreateRfcommToRecord      = "CreateRfcommSocketToServiceRecord"
	methodCreateInsecureRfcommToRec = "CreateInsecureRfcommSocketToServiceRecord"
	methodAccept                    = "Accept"
	methodClose                     = "Close"
)

// Transport is the slice of the daemon connection the engine needs: named
// remote calls and a registration hook for pushed notifications.
// DbusTransport is the production implementation; tests substitute fakes.
type Transport interface {
	// Invoke calls a SocketManager method and stores the reply into out
	// (*SocketResult or *BtStatus; nil to discard). A returned error means
	// the call itself failed, not that the daemon reported a bad status.
	Invoke(method string, out interface{}, args ...interface{}) error

	// RegisterNotifications exposes sink to the daemon and returns the
	// callback id the daemon uses to address this registration in
	// subsequent calls.
	RegisterNotifications(sink NotificationSink) (uint32, error)

	// Close releases the connection and the notification registration.
	Close() error
}
