package bus

import (
	"strconv"
)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(queue, body string)
}

// Notifier renders the engine's events onto the well-known queues.
type Notifier struct {
	pub Publisher
}

// NewNotifier wraps pub. A nil publisher yields a Notifier that drops everything.
func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) publish(queue, body string) {
	if n == nil || n.pub == nil {
		return
	}
	n.pub.Publish(queue, body)
}

// Status publishes a user-visible status line.
func (n *Notifier) Status(text string) { n.publish(QueueSwing, text) }

// Error publishes a user-visible error line.
func (n *Notifier) Error(text string) { n.publish(QueueSwing, "ERROR "+text) }

// Notify publishes a user-visible warning that does not abort anything.
func (n *Notifier) Notify(text string) { n.publish(QueueSwing, "NOTIFY "+text) }

// Redraw invalidates the view of a listing or a category.
func (n *Notifier) Redraw(target string) { n.publish(QueueRedraw, target) }

// Changed reports the outcome of an update.
func (n *Notifier) Changed(id string, changed bool) {
	n.publish(QueueMy, "UPDATE "+id+","+strconv.FormatBool(changed))
}

// Sniped reports a snipe hand-off.
func (n *Notifier) Sniped(id string, ok bool) {
	n.publish(QueueMy, "SNIPE "+id+","+strconv.FormatBool(ok))
}

// UpdateStart marks the beginning of a listing update on its category queue.
func (n *Notifier) UpdateStart(category, id string) {
	n.publish(UpdateQueue(category), "start "+id)
}

// UpdateStop marks the end of a listing update on its category queue.
func (n *Notifier) UpdateStop(category, id string) {
	n.publish(UpdateQueue(category), "stop "+id)
}

// SplashWidth sets the startup progress range.
func (n *Notifier) SplashWidth(width int) {
	n.publish(QueueSplash, "WIDTH "+strconv.Itoa(width))
}

// SplashSet moves the startup progress indicator.
func (n *Notifier) SplashSet(k int) {
	n.publish(QueueSplash, "SET "+strconv.Itoa(k))
}
