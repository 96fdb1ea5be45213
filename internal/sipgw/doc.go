// Package sipgw puts the border controller on the wire: a sipgo user agent
// that proxies requests between untrusted peers and one internal PBX.
//
// Requests arriving from the PBX address are outbound; everything else is
// inbound and is screened by the SessionBorderController before it reaches
// the PBX.
package sipgw
