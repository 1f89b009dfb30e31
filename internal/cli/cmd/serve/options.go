package serve

var opts = &options{}

type options struct {
	Host string
	Port int
}

func init() {
	flags := Command.Flags()
	flags.StringVar(&opts.Host, "host", "",
		"Override the listening host. Defaults to server.host from the config.")
	flags.IntVar(&opts.Port, "port", 0,
		"Override the listening port. Defaults to server.port from the config.")
}
