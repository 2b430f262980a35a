package cadence

// Builtin returns the stock cadence templates.
func Builtin() []Cadence {
	return []Cadence{
		{
			Name:  "quick",
			Title: "Quick Follow-up",
			Steps: []Step{
				{DayOffset: 0, Type: TouchEmail, Variant: 1},
				{DayOffset: 2, Type: TouchEmail, Variant: 2},
				{DayOffset: 5, Type: TouchCall, Variant: 1},
				{DayOffset: 7, Type: TouchEmail, Variant: 3},
			},
		},
		{
			Name:  "standard",
			Title: "Standard Follow-Up (14 days)",
			Steps: []Step{
				{DayOffset: 0, Type: TouchEmail, Variant: 1},
				{DayOffset: 3, Type: TouchEmail, Variant: 2},
				{DayOffset: 7, Type: TouchCall, Variant: 1},
				{DayOffset: 10, Type: TouchEmail, Variant: 3},
				{DayOffset: 14, Type: TouchCall, Variant: 2},
			},
		},
		{
			Name:  "aggressive",
			Title: "Aggressive Outreach (10 days)",
			Steps: []Step{
				{DayOffset: 0, Type: TouchEmail, Variant: 1},
				{DayOffset: 1, Type: TouchCall, Variant: 1},
				{DayOffset: 3, Type: TouchEmail, Variant: 2},
				{DayOffset: 5, Type: TouchCall, Variant: 2},
				{DayOffset: 7, Type: TouchEmail, Variant: 3},
				{DayOffset: 10, Type: TouchCall, Variant: 3},
			},
		},
		{
			Name:  "nurture",
			Title: "Long-Term Nurture (30 days)",
			Steps: []Step{
				{DayOffset: 0, Type: TouchEmail, Variant: 1},
				{DayOffset: 7, Type: TouchEmail, Variant: 2},
				{DayOffset: 14, Type: TouchCall, Variant: 1},
				{DayOffset: 21, Type: TouchEmail, Variant: 3},
				{DayOffset: 30, Type: TouchCall, Variant: 2},
			},
		},
	}
}

// Default returns a Catalog holding only the built-in templates.
func Default() *Catalog {
	c, err := New(Builtin()...)
	if err != nil {
		panic("cadence: invalid built-in catalog: " + err.Error())
	}
	return c
}
