package engine

import (
	"errors"

	"github.com/chainsift/bscalert/internal/config"
	"github.com/chainsift/bscalert/internal/dispatch"
	"github.com/chainsift/bscalert/internal/meta"
	"github.com/chainsift/bscalert/internal/rpc"
	"github.com/chainsift/bscalert/internal/wire"
)

// The engine's error taxonomy. Most are re-exported from the package
// that raises them so callers can branch without importing half the
// tree.
var (
	ErrDecode      = wire.ErrDecode
	ErrTransient   = rpc.ErrTransient
	ErrNotFound    = rpc.ErrNotFound
	ErrResolve     = meta.ErrResolve
	ErrDispatch    = dispatch.ErrDispatch
	ErrFatalConfig = config.ErrFatalConfig

	// ErrCooldownHeld means another alert for the token is live.
	ErrCooldownHeld = errors.New("cooldown held")
)
