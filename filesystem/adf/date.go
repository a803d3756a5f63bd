package adf

import "time"

const ticksPerSecond = 50

var amigaEpoch = time.Date(1978, time.January, 1, 0, 0, 0, 0, time.UTC)

// timeNow is replaced in tests for deterministic timestamps
var timeNow = time.Now

// amigaDate days since 1978-01-01, minutes past midnight, ticks past the minute
type amigaDate struct {
	days  uint32
	mins  uint32
	ticks uint32
}

func dateFromTime(t time.Time) amigaDate {
	if t.IsZero() || t.Before(amigaEpoch) {
		return amigaDate{}
	}
	d := t.UTC().Sub(amigaEpoch)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	mins := d / time.Minute
	d -= mins * time.Minute
	return amigaDate{
		days:  uint32(days),
		mins:  uint32(mins),
		ticks: uint32(d * ticksPerSecond / time.Second),
	}
}

func (a amigaDate) Time() time.Time {
	return amigaEpoch.
		AddDate(0, 0, int(a.days)).
		Add(time.Duration(a.mins) * time.Minute).
		Add(time.Duration(a.ticks) * time.Second / ticksPerSecond)
}

func readDate(b []byte, offset int) amigaDate {
	return amigaDate{
		days:  getLong(b, offset),
		mins:  getLong(b, offset+4),
		ticks: getLong(b, offset+8),
	}
}

func (a amigaDate) put(b []byte, offset int) {
	putLong(b, offset, a.days)
	putLong(b, offset+4, a.mins)
	putLong(b, offset+8, a.ticks)
}

func now() amigaDate {
	return dateFromTime(timeNow())
}
