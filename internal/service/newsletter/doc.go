// Package newsletter implements the newsletter lifecycle: drafting, the
// dispatch pipeline, cancellation, and the archive operations.
//
// The service layer owns the status transitions. A dispatch takes a settings
// snapshot up front, resolves the recipient list once, and hands both to the
// dispatch engine; nothing re-reads configuration while a send is running.
// Repository implementations live in repository/postgres/.
package newsletter
