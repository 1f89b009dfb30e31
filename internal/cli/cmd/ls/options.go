package ls

var opts = &options{}

type options struct {
	Type       string
	Delimiter  string
	StartAfter string
	Limit      int
	Cursor     string
	Where      []string
	Exclude    []string
	Has        []string
	All        bool
	JSON       bool
}

func init() {
	flags := Command.Flags()
	flags.StringVar(&opts.Type, "type", "",
		"Record type to query in the indexed database. Lists the blob store if empty.")
	flags.StringVar(&opts.Delimiter, "delimiter", "",
		"Group keys into folders at this delimiter.")
	flags.StringVar(&opts.StartAfter, "start-after", "",
		"Start the listing after this key.")
	flags.IntVar(&opts.Limit, "limit", 0,
		"Page size. Zero selects the default.")
	flags.StringVar(&opts.Cursor, "cursor", "",
		"Continue from the cursor printed by a previous listing.")
	flags.StringArrayVar(&opts.Where, "where", nil,
		"Only records whose field equals the value, as key=value. Repeatable; all must match.")
	flags.StringArrayVar(&opts.Exclude, "exclude", nil,
		"Skip records whose field equals the value, as key=value. Repeatable.")
	flags.StringArrayVar(&opts.Has, "has", nil,
		"Only records carrying this field. Repeatable.")
	flags.BoolVar(&opts.All, "all", false,
		"Follow cursors until every page is read.")
	flags.BoolVar(&opts.JSON, "json", false,
		"Print records as JSON.")
}
