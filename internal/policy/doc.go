// Package policy holds the source-IP access lists (blacklist and whitelist)
// consulted before any SIP request is processed.
//
// Lists live in a Store: in-memory sets for a single instance, or Redis sets
// when several SBC instances must share one policy.
package policy
