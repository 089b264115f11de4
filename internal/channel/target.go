package channel

import (
	"strings"

	"chatgate/internal/config"
	"chatgate/internal/domain"
)

// firstAllowFrom returns the first usable allow-list entry for a target
// request: an explicitly passed one, else the account's configured list.
func firstAllowFrom(req domain.TargetRequest, fromCfg func(*config.Config) []string) string {
	if len(req.AllowFrom) > 0 {
		return strings.TrimSpace(req.AllowFrom[0])
	}
	if req.Cfg != nil {
		if list := fromCfg(req.Cfg); len(list) > 0 {
			return strings.TrimSpace(list[0])
		}
	}
	return ""
}
