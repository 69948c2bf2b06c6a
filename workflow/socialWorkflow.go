package workflow

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ThoughtEnqueuer queues a targeted thought job inside the caller's
// transaction. Satisfied by *queue.Service.
type ThoughtEnqueuer interface {
	EnqueueTx(ctx context.Context, tx *gorm.DB, jobName string, payload any) (*models.QueueJob, error)
}

// SocialWorkflow polls the external mentions feed on a schedule, stores new
// mentions idempotently and records a showcase-cat activity for each one.
// The pagination cursor is persisted per platform so each run resumes where
// the previous one stopped.
type SocialWorkflow struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Feed   MentionFeed

	// ShowcaseCatId is the cat that reacts to mentions. Zero means mentions
	// are stored and marked handled without a reaction.
	ShowcaseCatId int

	// Thoughts, when set, gets a targeted thought job for the showcase cat
	// in the same transaction that marks a mention handled.
	Thoughts ThoughtEnqueuer

	MaxPagesPerRun int
}

func NewSocialWorkflow(db *gorm.DB, logger *logrus.Logger, feed MentionFeed) *SocialWorkflow {
	catId := 0
	if v := strings.TrimSpace(os.Getenv("SOCIAL_SHOWCASE_CAT_ID")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			catId = n
		}
	}
	return &SocialWorkflow{
		DB:             db,
		Logger:         logger,
		Feed:           feed,
		ShowcaseCatId:  catId,
		MaxPagesPerRun: 10,
	}
}

// HandleJob is the queue handler for the social-checks queue.
func (w *SocialWorkflow) HandleJob(ctx context.Context, job *models.QueueJob) error {
	if !config.SocialCheckEnabled() {
		w.Logger.WithFields(logrus.Fields{
			"field": "SocialWorkflow",
		}).Debug("social check disabled; skipping run")
		return nil
	}
	if w.Feed == nil {
		w.Logger.WithFields(logrus.Fields{
			"field": "SocialWorkflow",
		}).Warn("social check enabled but no feed configured; skipping run")
		return nil
	}

	cursor, err := w.loadCursor(ctx)
	if err != nil {
		return err
	}

	var stored int
	for page := 0; page < w.MaxPagesPerRun; page++ {
		fp, err := w.Feed.FetchMentions(ctx, cursor.Cursor, cursor.UpdatedSince)
		if err != nil {
			// Progress so far is already committed; the retry resumes from
			// the persisted cursor.
			if stored > 0 {
				w.Logger.WithFields(logrus.Fields{
					"field":  "SocialWorkflow",
					"stored": stored,
				}).Warn("mention fetch failed mid-run: " + err.Error())
			}
			return err
		}

		for _, m := range fp.Mentions {
			if err := w.storeMention(ctx, m); err != nil {
				// Per-record isolation: a bad record must not block the feed.
				config.LogError(w.Logger, "socialWorkflow.go", "HandleJob", "Storing mention", m.ExternalId, err)
				continue
			}
			stored++
		}

		cursor.Cursor = fp.NextCursor
		if !fp.HasMore {
			// Feed exhausted: next run polls for anything newer than now.
			cursor.Cursor = ""
			cursor.UpdatedSince = time.Now().UTC().Format(time.RFC3339)
		}
		if err := w.saveCursor(ctx, cursor); err != nil {
			return err
		}
		if !fp.HasMore {
			break
		}
	}

	if err := w.reactToNewMentions(ctx); err != nil {
		return err
	}

	if stored > 0 {
		w.Logger.WithFields(logrus.Fields{
			"field":    "SocialWorkflow",
			"platform": w.Feed.Platform(),
			"stored":   stored,
		}).Info("stored new mentions")
	}
	return nil
}

func (w *SocialWorkflow) loadCursor(ctx context.Context) (*models.SocialFeedCursor, error) {
	var cursor models.SocialFeedCursor
	err := w.DB.WithContext(ctx).
		Where("platform = ?", w.Feed.Platform()).
		First(&cursor).Error
	if err == nil {
		return &cursor, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	cursor = models.SocialFeedCursor{Platform: w.Feed.Platform()}
	if err := w.DB.WithContext(ctx).Create(&cursor).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		// Lost the race to another instance; read theirs.
		if err := w.DB.WithContext(ctx).
			Where("platform = ?", w.Feed.Platform()).
			First(&cursor).Error; err != nil {
			return nil, err
		}
	}
	return &cursor, nil
}

func (w *SocialWorkflow) saveCursor(ctx context.Context, cursor *models.SocialFeedCursor) error {
	return w.DB.WithContext(ctx).Model(&models.SocialFeedCursor{}).
		Where("id = ?", cursor.ID).
		Updates(map[string]interface{}{
			"cursor":        cursor.Cursor,
			"updated_since": cursor.UpdatedSince,
		}).Error
}

// storeMention inserts one mention; a duplicate key means a previous poll
// already stored it and is not an error.
func (w *SocialWorkflow) storeMention(ctx context.Context, m FeedMention) error {
	err := w.DB.WithContext(ctx).Create(&models.SocialMention{
		Platform:   w.Feed.Platform(),
		ExternalId: m.ExternalId,
		Author:     m.Author,
		Text:       m.Text,
		PostedAt:   m.PostedAt,
		FetchedAt:  time.Now().UTC(),
	}).Error
	if err != nil && isDuplicateKeyErr(err) {
		return nil
	}
	return err
}

// reactToNewMentions records a showcase-cat activity for each unhandled
// mention and marks it handled. Handling is idempotent per mention: the
// handled flag flips in the same transaction as the activity insert.
func (w *SocialWorkflow) reactToNewMentions(ctx context.Context) error {
	var pending []models.SocialMention
	if err := w.DB.WithContext(ctx).
		Where("platform = ? AND handled = ?", w.Feed.Platform(), false).
		Order("id ASC").
		Limit(100).
		Find(&pending).Error; err != nil {
		return err
	}

	for _, mention := range pending {
		mention := mention
		err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.SocialMention{}).
				Where("id = ? AND handled = ?", mention.ID, false).
				Update("handled", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Another instance handled it first.
				return nil
			}
			if w.ShowcaseCatId == 0 {
				return nil
			}
			if err := tx.Create(&models.CatActivity{
				CatId:  w.ShowcaseCatId,
				Kind:   "social_mention",
				Detail: mention.Author + ": " + mention.Text,
			}).Error; err != nil {
				return err
			}
			if w.Thoughts != nil {
				if _, err := w.Thoughts.EnqueueTx(ctx, tx, ThoughtJobName(w.ShowcaseCatId), ThoughtJobPayload{
					CatId:   w.ShowcaseCatId,
					Trigger: "social_mention",
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			config.LogError(w.Logger, "socialWorkflow.go", "reactToNewMentions", "Handling mention", mention.ExternalId, err)
		}
	}
	return nil
}
