package subscribe

var opts = &options{}

type options struct {
	Topic       string
	ZoneID      string
	DeviceToken string
}

func init() {
	flags := addCommand.Flags()
	flags.StringVar(&opts.Topic, "topic", "",
		"Topic the container publishes its changes to.")
	flags.StringVar(&opts.ZoneID, "zone", "",
		"Platform application the device endpoint is created in.")
	flags.StringVar(&opts.DeviceToken, "token", "",
		"Device token as a hex string.")

	_ = addCommand.MarkFlagRequired("topic")
	_ = addCommand.MarkFlagRequired("zone")
	_ = addCommand.MarkFlagRequired("token")
}
