package sipgw

import "errors"

var (
	ErrNoPBX = errors.New("sipgw: PBX address is required")
	ErrNoSBC = errors.New("sipgw: border controller is required")
)
