// Package admission decides whether a new call fits under the configured call
// and bandwidth caps, and keeps the per-call bandwidth ledger.
//
// The ledger always sums to the controller's current bandwidth. The active
// call count only moves when a CallHandle is started or released.
package admission
