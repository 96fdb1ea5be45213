// Package sbc composes the border controller: access lists, per-source rate
// limiting, topology hiding, header normalization, NAT classification, call
// admission and media relay allocation behind one explicitly constructed
// SessionBorderController.
//
// Every operation is synchronous and returns a structured result; policy
// rejections and resource exhaustion are never errors. Only DetectNAT does
// network I/O.
package sbc
