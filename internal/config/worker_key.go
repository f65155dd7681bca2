package config

type WorkerKeyStruct struct {
	PersistAnswersQueue string
	RetryAlertsQueue    string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue: "persist_answers_queue",
	RetryAlertsQueue:    "retry_alerts_queue",
}
