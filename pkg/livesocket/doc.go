// Package livesocket keeps a logical message channel available over a transport that may only exist
// while a session is active.
//
// Ownership model:
//   - The application owns intent: it calls Start when it wants the channel live and Stop when it does not.
//   - Something outside the package owns the session signal and pushes it with SetSessionActive.
//   - The Controller owns the transport. It builds real transports through a Factory, installs an
//     InertTransport while no session is available, and reconnects after unexpected closes.
//
// Incoming payloads are decoded as JSON and delivered to subscribed listeners in subscription order.
package livesocket
