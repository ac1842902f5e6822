package feed

import (
	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/realtime"
)

// reconcile merges a change notification into the cache. Loop only.
//
// Likes and comment inserts by the current actor are echoes of mutations the
// applier already made and are discarded. Like changes by others adjust the
// post's count; comment inserts by others bump the count once per comment id
// and merge the list from the store. Post changes reload the whole feed.
func (e *Engine) reconcile(ev realtime.Event) {
	actor := e.session.ActorID()

	var outcome string
	switch ev := ev.(type) {
	case realtime.LikeEvent:
		outcome = e.reconcileLike(ev, actor)
	case realtime.CommentEvent:
		outcome = e.reconcileComment(ev, actor)
	case realtime.PostEvent:
		e.refreshPostsAsync()
		outcome = outcomeRefetch
	default:
		outcome = outcomeIgnored
	}

	eventsTotal.WithLabelValues(string(ev.Table()), outcome).Inc()
	e.logger.Debug("Reconciled change",
		zap.String("table", string(ev.Table())),
		zap.String("op", string(ev.Op())),
		zap.String("post_id", ev.PostID()),
		zap.String("outcome", outcome))
}

func (e *Engine) reconcileLike(ev realtime.LikeEvent, actor string) string {
	if ev.ActorID() == actor {
		return outcomeSelf
	}

	var delta int64
	switch ev.Type {
	case realtime.Insert:
		delta = 1
	case realtime.Delete:
		delta = -1
	default:
		return outcomeIgnored
	}
	if _, ok := e.cache.AdjustLikeCount(ev.PostID(), delta); !ok {
		return outcomeIgnored
	}
	return outcomeApplied
}

func (e *Engine) reconcileComment(ev realtime.CommentEvent, actor string) string {
	postID, id := ev.PostID(), ev.Comment.ID

	switch ev.Type {
	case realtime.Insert:
		if ev.ActorID() == actor {
			return outcomeSelf
		}
		// Only a repeated notification is a duplicate. A row already merged
		// by the refetch of an earlier insert still counts.
		if e.wasCounted(postID, id) {
			return outcomeDuplicate
		}
		e.markCounted(postID, id)
		e.cache.AdjustCommentCount(postID, 1)
		e.refetchComments(postID)
		return outcomeRefetch

	case realtime.Delete:
		if e.cache.RemoveComment(postID, id) || e.wasCounted(postID, id) {
			delete(e.counted[postID], id)
		}
		e.cache.AdjustCommentCount(postID, -1)
		return outcomeApplied

	default:
		return outcomeIgnored
	}
}

func (e *Engine) wasCounted(postID, id string) bool {
	_, ok := e.counted[postID][id]
	return ok
}

func (e *Engine) markCounted(postID, id string) {
	ids, ok := e.counted[postID]
	if !ok {
		ids = make(map[string]struct{})
		e.counted[postID] = ids
	}
	ids[id] = struct{}{}
}
