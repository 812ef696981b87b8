package reconcile

// Observer receives engine notifications. Calls are made without the engine
// lock held, in the order the engine produced them, on the goroutine that
// caused them (the caller of an intent or the channel's reply goroutine).
type Observer interface {
	OnStatusText(text string)
	OnError(text string)
	OnProfileRegistryChanged()
	OnRuleListChanged()
	OnBusyChanged(busy bool)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnStatusText(string)       {}
func (NopObserver) OnError(string)            {}
func (NopObserver) OnProfileRegistryChanged() {}
func (NopObserver) OnRuleListChanged()        {}
func (NopObserver) OnBusyChanged(bool)        {}
