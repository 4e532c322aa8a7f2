package swap

// NoOpDoneAction ends the fsm, it is run on terminal states.
type NoOpDoneAction struct{}

func (n *NoOpDoneAction) Execute(services *SwapServices, swap *SwapData) EventType {
	return Event_Done
}
