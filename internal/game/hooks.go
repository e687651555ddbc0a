package game

// Hooks is the durability extension point. Both calls happen while the room
// is held exclusively, so implementations must hand work off and return.
type Hooks interface {
	OnRoundEnd(s Snapshot)
	OnRoomClose(s Snapshot)
}

type NopHooks struct{}

func (NopHooks) OnRoundEnd(Snapshot)  {}
func (NopHooks) OnRoomClose(Snapshot) {}

// MultiHook fans each call out to every hook in order.
type MultiHook []Hooks

func (m MultiHook) OnRoundEnd(s Snapshot) {
	for _, h := range m {
		h.OnRoundEnd(s)
	}
}

func (m MultiHook) OnRoomClose(s Snapshot) {
	for _, h := range m {
		h.OnRoomClose(s)
	}
}
