// Package relay owns the media relay: the RTP/RTCP port pair pool, the
// per-call relay sessions allocated from it, and the UDP forwarders that move
// RTP between the two call legs through those ports.
//
// Only ports from the configured range are ever handed out, and a port held
// by one call is never handed to another until that call is released.
package relay
