package realtime

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestExamRoomChannel(t *testing.T) {
	examID := uuid.MustParse("6f1f64d5-7c2a-4b21-9a70-2f5dce1f3c11")
	room := Rooms.ExamRoom(examID)

	want := "exam:6f1f64d5-7c2a-4b21-9a70-2f5dce1f3c11:room"
	if got := room.Channel(); got != want {
		t.Errorf("Channel() = %q, want %q", got, want)
	}
	if room.ExamID() != examID {
		t.Errorf("ExamID() = %v, want %v", room.ExamID(), examID)
	}
}

func TestExamRoomStableForSameExam(t *testing.T) {
	examID := uuid.New()
	a := Rooms.ExamRoom(examID)
	b := Rooms.ExamRoom(examID)

	if a != b {
		t.Errorf("rooms for the same exam differ: %v vs %v", a, b)
	}
	if a.Channel() != b.Channel() {
		t.Errorf("channels for the same exam differ: %q vs %q", a.Channel(), b.Channel())
	}

	other := Rooms.ExamRoom(uuid.New())
	if other.Channel() == a.Channel() {
		t.Error("different exams resolved to the same channel")
	}
}

func TestEventJSONShape(t *testing.T) {
	examID := uuid.New()
	ev := NewEvent(EventWarning, examID, 42, map[string]string{"message": "stay in fullscreen"})

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded["type"] != string(EventWarning) {
		t.Errorf("type = %v, want %q", decoded["type"], EventWarning)
	}
	if decoded["exam_id"] != examID.String() {
		t.Errorf("exam_id = %v, want %v", decoded["exam_id"], examID)
	}
	if decoded["student_id"] != float64(42) {
		t.Errorf("student_id = %v, want 42", decoded["student_id"])
	}
	if _, ok := decoded["timestamp"]; !ok {
		t.Error("timestamp missing from event payload")
	}
}
