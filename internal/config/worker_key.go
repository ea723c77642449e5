package config

type WorkerKeyStruct struct {
	PersistViolationsQueue string
	PersistAnswersQueue    string
	PersistScoresQueue     string
	PersistSessionsQueue   string
}

// Queues lists every worker queue. Each one is drained by one BLPOP loop.
func (w *WorkerKeyStruct) Queues() []string {
	return []string{w.PersistViolationsQueue, w.PersistAnswersQueue, w.PersistScoresQueue, w.PersistSessionsQueue}
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue: "persist_violations_queue",
	PersistAnswersQueue:    "persist_answers_queue",
	PersistScoresQueue:     "persist_scores_queue",
	PersistSessionsQueue:   "persist_sessions_queue",
}
