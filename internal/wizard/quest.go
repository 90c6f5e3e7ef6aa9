package wizard

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hulloitskai/imo/internal/domain"
)

// Deadline returns the local date offsetDays after now at hour:00.
func Deadline(now time.Time, offsetDays, hour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+offsetDays, hour, 0, 0, 0, loc)
}

// BuildQuest turns a challenge candidate into a creation request. Steps
// become milestones numbered from 1.
func BuildQuest(c domain.Challenge, deadline time.Time) domain.NewQuest {
	nq := domain.NewQuest{
		Name:        c.ChallengeGoal,
		Description: c.ShortDescription,
		Deadline:    deadline.Format(time.RFC3339),
		Milestones:  make([]domain.NewMilestone, 0, len(c.RecommendedSteps)),
	}
	for i, step := range c.RecommendedSteps {
		nq.Milestones = append(nq.Milestones, domain.NewMilestone{
			Number:      strconv.Itoa(i + 1),
			Description: step,
		})
	}
	return nq
}

// QuestURL links to a quest detail, carrying the ownership token when there
// is one.
func QuestURL(base string, d domain.QuestDetail) string {
	u := strings.TrimRight(base, "/") + "/quests/" + url.PathEscape(d.Quest.ID)
	if d.OwnershipToken != "" {
		u += "?ownership_token=" + url.QueryEscape(d.OwnershipToken)
	}
	return u
}

// ShareURL links to a quest without any ownership token. It is what owners
// hand to friends who keep them accountable.
func ShareURL(base, questID string) string {
	return QuestURL(base, domain.QuestDetail{Quest: domain.Quest{ID: questID}})
}

// ShareText is the message that goes with a share link.
func ShareText(base, questID string) string {
	return "help me stay accountable: " + ShareURL(base, questID)
}

// TimeLeft is the time until a deadline in whole units.
type TimeLeft struct {
	Days, Hours, Minutes, Seconds int
}

// Countdown returns the time from now until deadline, zero once it passed.
func Countdown(now, deadline time.Time) TimeLeft {
	total := int(deadline.Sub(now) / time.Second)
	if total <= 0 {
		return TimeLeft{}
	}
	return TimeLeft{
		Days:    total / 86400,
		Hours:   total % 86400 / 3600,
		Minutes: total % 3600 / 60,
		Seconds: total % 60,
	}
}

func (t TimeLeft) Zero() bool { return t == TimeLeft{} }

func (t TimeLeft) String() string {
	return fmt.Sprintf("%02dd %02dh %02dm %02ds", t.Days, t.Hours, t.Minutes, t.Seconds)
}

// Reminder is the countdown sentence shown with a quest.
func Reminder(now, deadline time.Time) string {
	left := Countdown(now, deadline)
	if left.Zero() {
		return "the deadline for this quest has passed"
	}
	return "you have " + left.String() + " to complete your quest"
}
