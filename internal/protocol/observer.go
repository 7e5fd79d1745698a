package protocol

// Observer receives lifecycle and traffic events from the Handler. It is the
// seam used for metrics.
type Observer interface {
	SessionOpened(identity string)
	SessionRefused(identity string)
	SessionClosed(identity string)
	MessageRelayed(delivered bool)
	FrameRejected(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string)  {}
func (nopObserver) SessionRefused(string) {}
func (nopObserver) SessionClosed(string)  {}
func (nopObserver) MessageRelayed(bool)   {}
func (nopObserver) FrameRejected(string)  {}
