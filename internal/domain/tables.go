package domain

var Tables = []interface{}{
	// System
	&SysOprLog{},
	// WhatsApp
	&WhatsAppSession{},
	&WhatsAppNotificationLog{},
}
