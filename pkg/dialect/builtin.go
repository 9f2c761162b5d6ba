package dialect

import (
	"fmt"
	"strconv"
	"time"
)

var (
	minTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999000, time.UTC)
)

// MySQL is the MySQL/MariaDB dialect
var MySQL = &Dialect{
	Name:             "mysql",
	QuoteOpen:        "`",
	QuoteClose:       "`",
	Paging:           PagingLimitOffset,
	BackslashEscapes: true,
	HexOpen:          "X'",
	HexClose:         "'",
	TimeFormat:       "2006-01-02 15:04:05.999999",
	MinTime:          time.Date(1000, time.January, 1, 0, 0, 0, 0, time.UTC),
	MaxTime:          maxTime,
	TrueLiteral:      "1",
	FalseLiteral:     "0",
	DateFunc:         "DATE(%s)",
	OffsetFunc: func(offset int) string {
		return "LIMIT 18446744073709551615 OFFSET " + strconv.Itoa(offset)
	},
}

// Postgres is the PostgreSQL dialect
var Postgres = &Dialect{
	Name:         "postgres",
	QuoteOpen:    `"`,
	QuoteClose:   `"`,
	Paging:       PagingLimitOffset,
	Concat:       " || ",
	CharFunc:     "chr",
	HexOpen:      `'\x`,
	HexClose:     "'::bytea",
	TimeFormat:   "2006-01-02 15:04:05.999999",
	MinTime:      minTime,
	MaxTime:      maxTime,
	TrueLiteral:  "TRUE",
	FalseLiteral: "FALSE",
	DateFunc:     "CAST(%s AS DATE)",
}

// SQLite is the SQLite dialect
var SQLite = &Dialect{
	Name:         "sqlite",
	QuoteOpen:    `"`,
	QuoteClose:   `"`,
	Paging:       PagingLimitOffset,
	Concat:       " || ",
	CharFunc:     "char",
	HexOpen:      "X'",
	HexClose:     "'",
	TimeFormat:   "2006-01-02 15:04:05.999999999",
	MinTime:      minTime,
	MaxTime:      maxTime,
	TrueLiteral:  "1",
	FalseLiteral: "0",
	DateFunc:     "date(%s)",
	DatePartFunc: func(part DatePart, expr string) string {
		return fmt.Sprintf("CAST(strftime('%s', %s) AS INTEGER)", strftimeFormat[part], expr)
	},
	OffsetFunc: func(offset int) string {
		return "LIMIT -1 OFFSET " + strconv.Itoa(offset)
	},
}

var strftimeFormat = map[DatePart]string{
	Year:   "%Y",
	Month:  "%m",
	Day:    "%d",
	Hour:   "%H",
	Minute: "%M",
	Second: "%S",
}

// SQLServer is the Microsoft SQL Server dialect
var SQLServer = &Dialect{
	Name:         "sqlserver",
	QuoteOpen:    "[",
	QuoteClose:   "]",
	Paging:       PagingTop,
	Concat:       " + ",
	CharFunc:     "CHAR",
	HexOpen:      "0x",
	TimeFormat:   "2006-01-02T15:04:05.999",
	MinTime:      time.Date(1753, time.January, 1, 0, 0, 0, 0, time.UTC),
	MaxTime:      time.Date(9999, time.December, 31, 23, 59, 59, 997000000, time.UTC),
	TrueLiteral:  "1",
	FalseLiteral: "0",
	DateFunc:     "CAST(%s AS DATE)",
	DatePartFunc: func(part DatePart, expr string) string {
		return fmt.Sprintf("DATEPART(%s, %s)", part, expr)
	},
	OffsetFunc: func(offset int) string {
		return fmt.Sprintf("OFFSET %d ROWS", offset)
	},
}

func init() {
	Register(MySQL)
	Register(Postgres)
	Register(SQLite)
	Register(SQLServer)
}
