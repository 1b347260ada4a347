package ngram

import (
	"fmt"
	"strings"
)

// FieldFrequency is the frequency column of the view.
const FieldFrequency = "frequency"

// FrequencyView names the frequency view of a counts table.
func FrequencyView(table string) string {
	return table + "_frequencies"
}

// FrequencyQuery selects, per month, every n-gram seen at least minCount
// times overall together with its frequency: its count over the month's
// total of kept 1-grams. Months without a kept 1-gram have no rows.
func FrequencyQuery(table string, minCount int) string {
	t := quoteIdent(table)
	ngram, n, month, count := quoteIdent(FieldNgram), quoteIdent(FieldWidth), quoteIdent(FieldMonth), quoteIdent(FieldCount)
	return fmt.Sprintf(`WITH kept AS (
	SELECT %[2]s, %[3]s FROM %[1]s GROUP BY %[2]s, %[3]s HAVING sum(%[5]s) >= %[6]d
), counts AS (
	SELECT c.%[4]s, c.%[2]s, c.%[3]s, c.%[5]s FROM %[1]s c JOIN kept USING (%[2]s, %[3]s)
), totals AS (
	SELECT %[4]s, sum(%[5]s) AS total FROM counts WHERE %[3]s = 1 GROUP BY %[4]s
)
SELECT counts.%[4]s, counts.%[2]s, counts.%[3]s, counts.%[5]s,
	CAST(counts.%[5]s AS DOUBLE) / totals.total AS %[7]s
FROM counts JOIN totals USING (%[4]s)`,
		t, ngram, n, month, count, minCount, quoteIdent(FieldFrequency))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
