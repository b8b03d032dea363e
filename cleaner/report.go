package cleaner

// RuleResult is how many rows one rule removed.
type RuleResult struct {
	Rule string
	Rows int64
}

// TableReport describes the cleaning of one table. Removed is in application order.
type TableReport struct {
	Table   string
	Before  int64
	After   int64
	Removed []RuleResult
}

type CleanReport struct {
	Tables []TableReport
}

// RemovedBy returns the rows a rule removed from table, or 0.
func (r *CleanReport) RemovedBy(table, rule string) int64 {
	for _, t := range r.Tables {
		if t.Table != table {
			continue
		}
		for _, res := range t.Removed {
			if res.Rule == rule {
				return res.Rows
			}
		}
	}
	return 0
}
