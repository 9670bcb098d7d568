package ports

import "github.com/ghalamif/PortRelay/internal/domain"

// PayloadEncoder turns one batch into wire bytes and transport headers for
// the given channel.
type PayloadEncoder interface {
	Encode(batch *domain.OutboundBatch, ch *domain.ChannelConfig) ([]byte, map[string]string, error)
}
