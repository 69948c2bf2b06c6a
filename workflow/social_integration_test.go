package workflow_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/pawdot/petpal_backend/queue"
	"github.com/pawdot/petpal_backend/workflow"
)

// staticFeed serves one fixed page of mentions.
type staticFeed struct {
	mentions []workflow.FeedMention
}

func (f *staticFeed) Platform() string { return "chirper" }

func (f *staticFeed) FetchMentions(ctx context.Context, cursor string, updatedSince string) (workflow.FeedPage, error) {
	return workflow.FeedPage{Mentions: f.mentions}, nil
}

func TestSocial_MentionEnqueuesTargetedThought(t *testing.T) {
	t.Setenv("SOCIAL_CHECK_ENABLED", "1")
	setupIntegrationDB(t)
	ctx := context.Background()
	db := config.GetDB()
	_, cat := seedUserAndCat(t, 0)

	feed := &staticFeed{mentions: []workflow.FeedMention{
		{ExternalId: "m-1", Author: "fan", Text: "look at this cat!"},
	}}

	// No pool runs, so enqueued jobs stay PENDING and can be inspected.
	registry := queue.NewRegistry(db, config.GetLogger())
	thoughtSvc := registry.Register("thoughts", func(ctx context.Context, job *models.QueueJob) error {
		return nil
	}, 1)

	social := workflow.NewSocialWorkflow(db, config.GetLogger(), feed)
	social.ShowcaseCatId = cat.ID
	social.Thoughts = thoughtSvc

	job := &models.QueueJob{ID: 1, QueueName: "social-checks", JobName: "poll-mentions"}
	if err := social.HandleJob(ctx, job); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	var jobs []models.QueueJob
	if err := db.
		Where("queue_name = ? AND job_name = ?", "thoughts", workflow.ThoughtJobName(cat.ID)).
		Find(&jobs).Error; err != nil {
		t.Fatalf("list thought jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("thought jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Status != models.JobStatusPending {
		t.Fatalf("status = %s, want PENDING", jobs[0].Status)
	}
	var payload workflow.ThoughtJobPayload
	if err := json.Unmarshal(jobs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.CatId != cat.ID || payload.Trigger != "social_mention" {
		t.Fatalf("payload = %+v, want cat %d triggered by social_mention", payload, cat.ID)
	}

	var activityCount int64
	if err := db.Model(&models.CatActivity{}).
		Where("cat_id = ? AND kind = ?", cat.ID, "social_mention").
		Count(&activityCount).Error; err != nil {
		t.Fatalf("count activities: %v", err)
	}
	if activityCount != 1 {
		t.Fatalf("activities = %d, want 1", activityCount)
	}

	// The same mention on the next poll is already handled: no second
	// reaction and no second thought job.
	if err := social.HandleJob(ctx, job); err != nil {
		t.Fatalf("second HandleJob: %v", err)
	}
	var jobCount int64
	if err := db.Model(&models.QueueJob{}).
		Where("queue_name = ? AND job_name = ?", "thoughts", workflow.ThoughtJobName(cat.ID)).
		Count(&jobCount).Error; err != nil {
		t.Fatalf("recount thought jobs: %v", err)
	}
	if jobCount != 1 {
		t.Fatalf("thought jobs after repoll = %d, want 1", jobCount)
	}
}
