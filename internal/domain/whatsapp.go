package domain

import "time"

// WhatsAppSession is one credential or key record of a WhatsApp session.
// ID is "{sessionId}-creds" or "{sessionId}-{category}-{id}".
type WhatsAppSession struct {
	ID        string    `json:"id" gorm:"primaryKey;size:191"`
	Data      string    `json:"data" gorm:"type:json;not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}

// WhatsAppNotificationLog reserves a broadcast so it is sent at most once
// per event, notification type and day.
type WhatsAppNotificationLog struct {
	ID        int64     `json:"id,string" csv:"id" gorm:"primaryKey;autoIncrement:false"`
	EventID   string    `json:"event_id" csv:"event_id" gorm:"size:64;not null;uniqueIndex:uniq_wa_notif"`
	NotifType string    `json:"notif_type" csv:"notif_type" gorm:"size:32;not null;uniqueIndex:uniq_wa_notif"`
	NotifDate string    `json:"notif_date" csv:"notif_date" gorm:"size:10;not null;uniqueIndex:uniq_wa_notif"`
	Sent      int       `json:"sent" csv:"sent"`
	Failed    int       `json:"failed" csv:"failed"`
	CreatedAt time.Time `json:"created_at" csv:"created_at"`
	UpdatedAt time.Time `json:"updated_at" csv:"updated_at"`
}

func (WhatsAppNotificationLog) TableName() string {
	return "whatsapp_notification_log"
}
