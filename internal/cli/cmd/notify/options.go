package notify

var opts = &options{}

type options struct {
	Latest bool
	JSON   bool
}

func init() {
	flags := Command.Flags()
	flags.BoolVar(&opts.Latest, "latest", false,
		"Print only the newest change of each record.")
	flags.BoolVar(&opts.JSON, "json", false,
		"Print notifications as JSON.")
}
