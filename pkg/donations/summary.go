package donations

import (
	"sort"
	"time"

	"careconnect-backend/pkg/models"
)

// TopItemsLimit 热门物品数量
const TopItemsLimit = 5

// Counters are the dashboard tiles.
type Counters struct {
	Total     int `json:"total"`
	Requested int `json:"requested"`
	Verified  int `json:"verified"`
	Picked    int `json:"picked"`
	Delivered int `json:"delivered"`
	// Open is everything not yet delivered.
	Open int `json:"open"`
}

// Count tallies donations by status.
func Count(views []models.DonationView) Counters {
	var c Counters
	for _, v := range views {
		c.Total++
		switch v.Status {
		case models.StatusRequested:
			c.Requested++
		case models.StatusVerified:
			c.Verified++
		case models.StatusPicked:
			c.Picked++
		case models.StatusDelivered:
			c.Delivered++
		}
	}
	c.Open = c.Total - c.Delivered
	return c
}

// MonthCount 每月捐赠数
type MonthCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

// ItemCount 物品出现次数
type ItemCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary is the admin analytics view.
type Summary struct {
	Counters   Counters       `json:"counters"`
	ByCategory map[string]int `json:"category_counts"`
	ByMonth    []MonthCount   `json:"monthly_counts"`
	TopItems   []ItemCount    `json:"top_items"`
}

// Summarize groups donations by category, by month ("Jan 2025", oldest first,
// months evaluated in loc) and lists the most frequent item names.
func Summarize(views []models.DonationView, loc *time.Location) Summary {
	if loc == nil {
		loc = time.UTC
	}
	s := Summary{
		Counters:   Count(views),
		ByCategory: map[string]int{},
		ByMonth:    []MonthCount{},
		TopItems:   []ItemCount{},
	}

	months := map[time.Time]int{}
	items := map[string]int{}
	for _, v := range views {
		s.ByCategory[v.Category]++
		items[v.ItemName]++
		t := v.CreatedAt.In(loc)
		months[time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)]++
	}

	keys := make([]time.Time, 0, len(months))
	for m := range months {
		keys = append(keys, m)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	for _, m := range keys {
		s.ByMonth = append(s.ByMonth, MonthCount{Month: m.Format("Jan 2006"), Count: months[m]})
	}

	for name, n := range items {
		s.TopItems = append(s.TopItems, ItemCount{Name: name, Count: n})
	}
	sort.Slice(s.TopItems, func(i, j int) bool {
		if s.TopItems[i].Count != s.TopItems[j].Count {
			return s.TopItems[i].Count > s.TopItems[j].Count
		}
		return s.TopItems[i].Name < s.TopItems[j].Name
	})
	if len(s.TopItems) > TopItemsLimit {
		s.TopItems = s.TopItems[:TopItemsLimit]
	}
	return s
}
