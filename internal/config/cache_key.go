package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// AttemptAnswersKey returns the cache key for an attempt's live answer hash
func (r *CacheKeyStruct) AttemptAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// AttemptDeadlineKey returns the cache key for an attempt's deadline (unix seconds)
func (r *CacheKeyStruct) AttemptDeadlineKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:deadline", studentID, examID)
}

// ExamSnapshotKey returns the cache key for a published exam's full snapshot
// (including correct-answer metadata; never served to students directly)
func (r *CacheKeyStruct) ExamSnapshotKey(examID string) string {
	return fmt.Sprintf("exam:%s:snapshot", examID)
}

var CacheKey = NewCacheKeyStruct()
