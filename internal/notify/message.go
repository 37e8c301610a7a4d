package notify

import (
	"strings"
	"time"
)

// Schedule is the part of a kelurahan activity a reminder shows.
type Schedule struct {
	Title       string
	Date        time.Time
	TimeStart   string
	TimeEnd     string
	Location    string
	Description string
	TargetRoles []string
	CreatorName string
}

// ReminderText renders the reminder message for kind (for example "H-1").
func ReminderText(kind string, s Schedule) string {
	title := or(s.Title, "(tanpa judul)")
	when := "-"
	if !s.Date.IsZero() {
		when = s.Date.Format("02 January 2006")
	}
	timeRange := or(s.TimeStart, "-")
	if s.TimeEnd != "" {
		timeRange += " - " + s.TimeEnd
	}

	var b strings.Builder
	b.WriteString("📅 *PENGINGAT JADWAL (" + kind + ")*\n\n")
	b.WriteString("*" + title + "*\n\n")
	b.WriteString("📆 *Tanggal:* " + when + "\n")
	b.WriteString("🕐 *Waktu:* " + timeRange + "\n")
	b.WriteString("📍 *Lokasi:* " + or(s.Location, "-") + "\n")
	if len(s.TargetRoles) > 0 {
		b.WriteString("👥 *Ditujukan untuk:* " + strings.Join(s.TargetRoles, ", ") + "\n")
	}
	if s.CreatorName != "" {
		b.WriteString("👤 *Dibuat oleh:* " + s.CreatorName + "\n")
	}
	b.WriteString("\n📋 *Deskripsi:*\n")
	b.WriteString(or(s.Description, "Tidak ada deskripsi") + "\n\n")
	b.WriteString("---\n_Pesan ini dikirim secara otomatis oleh Sistem Penjadwalan Kegiatan Kelurahan._")
	return b.String()
}

func or(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
