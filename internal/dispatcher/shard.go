package dispatcher

import "github.com/harrison/testfleet/internal/models"

// Shard keeps the payload entries whose running index falls into the
// current shard. Each shard holds ceil(total/shards) entries; payloads cut
// by a boundary are split and empty payloads are dropped.
func Shard(payloads []*models.RunPayload, shard *models.Shard) []*models.RunPayload {
	if shard == nil || shard.Total <= 1 {
		return payloads
	}
	total := 0
	for _, p := range payloads {
		total += len(p.Entries)
	}
	size := (total + shard.Total - 1) / shard.Total
	from := size * (shard.Current - 1)
	to := from + size

	var kept []*models.RunPayload
	index := 0
	for _, p := range payloads {
		var entries []models.Entry
		for _, e := range p.Entries {
			if index >= from && index < to {
				entries = append(entries, e)
			}
			index++
		}
		if len(entries) == 0 {
			continue
		}
		if len(entries) == len(p.Entries) {
			kept = append(kept, p)
			continue
		}
		cp := *p
		cp.Entries = entries
		kept = append(kept, &cp)
	}
	return kept
}
