package stock

import (
	"sort"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
)

func groupDemand(items []models.OrderItem) []ItemDemand {
	byItem := make(map[string]*ItemDemand, len(items))
	for _, item := range items {
		key := item.CatalogItemID.String()
		d, ok := byItem[key]
		if !ok {
			d = &ItemDemand{CatalogItemID: item.CatalogItemID, Name: item.Name}
			byItem[key] = d
		}
		d.Quantity += item.Quantity
	}
	out := make([]ItemDemand, 0, len(byItem))
	for _, d := range byItem {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CatalogItemID.String() < out[j].CatalogItemID.String()
	})
	return out
}
