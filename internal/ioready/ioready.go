// Package ioready defines the readiness-notifier abstraction the connection
// layer borrows from its surrounding dispatcher (spec.md §5, §6, §9): a
// place to register a file descriptor for readable events, tagged with a
// single opaque value the dispatcher uses to demultiplex callbacks.
//
// The connection never owns a Notifier. Its lifetime must strictly exceed
// that of every Connection registered on it.
package ioready

// Tag identifies, to the dispatcher, which logical component a readiness
// event belongs to. A Connection registers both of its descriptors under
// the single Tag its caller assigns it, and demultiplexes between its own
// descriptors by its own state rather than by distinct tags.
type Tag uintptr

// Notifier associates and dissociates file descriptors with readable-event
// notifications. Implementations must be safe for the add/remove pattern
// used by a single Connection; this package's own Epoll additionally
// supports being shared across multiple unrelated registrants, which is the
// normal case for the "surrounding dispatcher" mentioned in spec.md.
type Notifier interface {
	// Add registers fd for readable-event notifications, tagged with tag.
	Add(fd int, tag Tag) error
	// Remove deregisters fd. It is an error to remove an fd that was not
	// added, or that was already removed.
	Remove(fd int) error
}
