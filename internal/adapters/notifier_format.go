package adapters

import (
	"fmt"
	"strings"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

const explorerURL = "https://beaconcha.in"

func urgencyEmoji(u domain.Urgency) string {
	switch u {
	case domain.UrgencyCritical:
		return "🚨"
	case domain.UrgencyUrgent:
		return "⚠️"
	case domain.UrgencySuccess:
		return "🎉"
	default:
		return "📢"
	}
}

// FormatTitle is the one-line summary used by push notifications.
func FormatTitle(n domain.Notification) string {
	switch n.Kind {
	case domain.NotifyBlockConfirmed:
		return "Block confirmed at slot " + fmt.Sprint(n.Slot)
	case domain.NotifyMissed:
		return "Missed attestation"
	default:
		return fmt.Sprintf("%s duty in %s", n.Kind, n.TimeUntil)
	}
}

// FormatMessage renders a notification as Telegram Markdown.
func FormatMessage(n domain.Notification) string {
	validator := fmt.Sprintf("[%s](%s/validator/%s)", n.ValidatorDisplay, explorerURL, n.ValidatorID)
	slot := fmt.Sprintf("[%d](%s/slot/%d)", n.Slot, explorerURL, n.Slot)

	var b strings.Builder
	switch n.Kind {
	case domain.NotifyBlockConfirmed:
		b.WriteString("🎉💰 BLOCK CONFIRMED! 🎉💰\n\n")
		fmt.Fprintf(&b, "Validator: %s\nSlot: %s\n", validator, slot)
		if d := n.BlockDetails; d != nil {
			b.WriteString("\n📊 Block Details:\n")
			fmt.Fprintf(&b, "🔥 Burned Fees: %.4f ETH\n", float64(d.BurnedFeesGwei)/1e9)
			recipient := "Unknown"
			if d.FeeRecipient != "" {
				recipient = domain.TruncateID(d.FeeRecipient)
			}
			fmt.Fprintf(&b, "💰 Fee Recipient: %s\n", recipient)
			fmt.Fprintf(&b, "📦 Transactions: %d\n", d.TxCount)
			if d.Graffiti != "" {
				fmt.Fprintf(&b, "✍️ Graffiti: %s\n", d.Graffiti)
			}
		}
		b.WriteString("\n🎊 Congratulations! 🎊")
	case domain.NotifyMissed:
		fmt.Fprintf(&b, "%s *Missed Attestation*\n\n", urgencyEmoji(n.Urgency))
		fmt.Fprintf(&b, "Validator: %s\nSlot: %s", validator, slot)
	case domain.NotifySyncCommittee:
		fmt.Fprintf(&b, "%s *Sync Committee Duty Alert*\n\n", urgencyEmoji(n.Urgency))
		fmt.Fprintf(&b, "Validator: %s\n", validator)
		if n.Period == domain.SyncPeriodCurrent {
			b.WriteString("Status: member of the current sync committee")
		} else {
			fmt.Fprintf(&b, "Time until duty: %s\nStarts around slot: %d", n.TimeUntil, n.Slot)
		}
	default:
		fmt.Fprintf(&b, "%s *%s Duty Alert*\n\n", urgencyEmoji(n.Urgency), n.Kind)
		fmt.Fprintf(&b, "Validator: %s\nTime until duty: %s\nSlot: %s", validator, n.TimeUntil, slot)
	}
	return b.String()
}
