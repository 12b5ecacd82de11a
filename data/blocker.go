package data

import (
	"net"
	"time"
)

// Blocker is the part of the reputation store that plugins may act on
type Blocker interface {
	AddToBlacklist(ip, reason string) error
	AddSubnetToBlacklist(cidr, reason string) error
	TempBlock(ip string, d time.Duration, reason string) error
	IsWhitelisted(ip net.IP) bool
}
