package app

import (
	"sort"
	"strings"
	"sync"
	"time"

	"quizsync/internal/domain"
	"quizsync/internal/observability"
	"quizsync/internal/protocol"
)

// Event is one server push addressed to a member.
type Event struct {
	Name    string
	Payload any
}

type audience int

const (
	toHosts audience = 1 << iota
	toParticipants
	toAll = toHosts | toParticipants
)

// Member is one connection's subscription to a session. Events arrive in the
// order the session produced them; the channel is closed when the member is
// cancelled or falls too far behind.
type Member struct {
	ParticipantID int64

	session *Session
	host    bool
	ch      chan Event
	once    sync.Once
}

// Events returns the member's event stream.
func (m *Member) Events() <-chan Event {
	return m.ch
}

// Cancel unsubscribes the member. It is safe to call more than once.
func (m *Member) Cancel() {
	m.once.Do(func() {
		m.session.mu.Lock()
		defer m.session.mu.Unlock()
		if _, ok := m.session.members[m]; ok {
			delete(m.session.members, m)
			close(m.ch)
		}
	})
}

const memberBuffer = 64

// Session is the live, in-memory state of one quiz run.
type Session struct {
	now func() time.Time

	mu              sync.RWMutex
	info            domain.Session
	quiz            domain.Quiz
	nextParticipant int64
	participants    map[int64]*domain.Participant
	owners          map[int64]*Member
	known           map[int64]string
	active          *int64
	closed          map[int64]domain.ResultSnapshot
	choices         map[int64]map[int64]map[int64]struct{}
	attempts        map[int64]map[int64]string
	texts           map[int64]map[int64]string
	members         map[*Member]struct{}
}

// NewSession builds a session in the Created state.
func NewSession(id int64, pin string, quiz domain.Quiz) *Session {
	return NewSessionWithClock(id, pin, quiz, time.Now)
}

// NewSessionWithClock is used by tests for deterministic timestamps.
func NewSessionWithClock(id int64, pin string, quiz domain.Quiz, now func() time.Time) *Session {
	questions := append([]domain.Question(nil), quiz.Questions...)
	sort.SliceStable(questions, func(i, j int) bool { return questions[i].Index < questions[j].Index })
	quiz.Questions = questions
	return &Session{
		now: now,
		info: domain.Session{
			ID:                id,
			QuizID:            quiz.ID,
			PIN:               pin,
			Title:             quiz.Title,
			Status:            domain.StatusCreated,
			Mode:              quiz.Mode,
			AllowAnonymous:    quiz.AllowAnonymous,
			HasCorrectAnswers: quiz.HasCorrectAnswers,
		},
		quiz:         quiz,
		participants: make(map[int64]*domain.Participant),
		owners:       make(map[int64]*Member),
		known:        make(map[int64]string),
		closed:       make(map[int64]domain.ResultSnapshot),
		choices:      make(map[int64]map[int64]map[int64]struct{}),
		attempts:     make(map[int64]map[int64]string),
		texts:        make(map[int64]map[int64]string),
		members:      make(map[*Member]struct{}),
	}
}

// Info returns the session metadata.
func (s *Session) Info() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// IsEmpty reports whether nobody is connected.
func (s *Session) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members) == 0
}

func (s *Session) start() (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.info.Status {
	case domain.StatusActive:
		return s.info, nil
	case domain.StatusCompleted:
		return s.info, domain.ErrSessionEnded
	}
	s.info.Status = domain.StatusActive
	return s.info, nil
}

// subscribeHost registers a host member and queues the current snapshot as
// its first event.
func (s *Session) subscribeHost() *Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &Member{session: s, host: true, ch: make(chan Event, memberBuffer)}
	s.members[m] = struct{}{}
	m.ch <- Event{Name: protocol.EventSessionSnapshot, Payload: s.snapshotLocked()}
	return m
}

// joinParticipant admits name, reusing resumeID when it was issued by this
// session. A question already in progress is queued for the newcomer.
func (s *Session) joinParticipant(name string, resumeID int64) (*Member, protocol.QuizInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Status != domain.StatusActive {
		if s.info.Status == domain.StatusCompleted {
			return nil, protocol.QuizInfo{}, domain.ErrSessionEnded
		}
		return nil, protocol.QuizInfo{}, domain.ErrSessionNotActive
	}
	name = strings.TrimSpace(name)
	if name == "" {
		if !s.info.AllowAnonymous {
			return nil, protocol.QuizInfo{}, domain.ErrNameRequired
		}
		name = "Anonymous"
	}

	id := resumeID
	if _, ok := s.known[id]; id == 0 || !ok {
		s.nextParticipant++
		id = s.nextParticipant
	}
	s.known[id] = name
	p, ok := s.participants[id]
	if !ok {
		p = &domain.Participant{ID: id, JoinedAt: s.now()}
		s.participants[id] = p
	}
	p.Name = name
	p.Connected = true

	m := &Member{ParticipantID: id, session: s, ch: make(chan Event, memberBuffer)}
	s.members[m] = struct{}{}
	s.owners[id] = m
	if s.active != nil && s.info.Mode == domain.ModeRealTime {
		if q, ok := s.quiz.Question(*s.active); ok {
			m.ch <- Event{Name: protocol.EventQuestionStarted, Payload: protocol.NewQuestionStarted(q)}
		}
	}
	s.broadcastLocked(toHosts, protocol.EventParticipantJoined, protocol.ParticipantJoined{ID: id, Name: name})

	return m, s.quizInfoLocked(id), nil
}

func (s *Session) quizInfoLocked(participantID int64) protocol.QuizInfo {
	return protocol.QuizInfo{
		Title:             s.info.Title,
		Mode:              s.info.Mode,
		SessionID:         s.info.ID,
		ParticipantID:     participantID,
		QuestionCount:     len(s.quiz.Questions),
		AllowAnonymous:    s.info.AllowAnonymous,
		HasCorrectAnswers: s.info.HasCorrectAnswers,
	}
}

// leave removes the participant m joined as. A member superseded by a later
// join under the same id (a resume) leaves nothing behind.
func (s *Session) leave(m *Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := m.ParticipantID
	if s.owners[id] != m {
		return
	}
	delete(s.owners, id)
	if _, ok := s.participants[id]; !ok {
		return
	}
	delete(s.participants, id)
	s.broadcastLocked(toHosts, protocol.EventParticipantLeft, protocol.ParticipantLeft{ID: id})
}

func (s *Session) startQuestion(questionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRealTimeLocked(); err != nil {
		return err
	}
	q, ok := s.quiz.Question(questionID)
	if !ok {
		return domain.ErrQuestionNotFound
	}
	if s.active != nil {
		if *s.active == questionID {
			return nil
		}
		return domain.ErrQuestionActive
	}
	if _, done := s.closed[questionID]; done {
		return domain.ErrQuestionClosed
	}
	id := questionID
	s.active = &id
	s.broadcastLocked(toAll, protocol.EventQuestionStarted, protocol.NewQuestionStarted(q))
	return nil
}

func (s *Session) endQuestion(questionID int64) (domain.ResultSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, done := s.closed[questionID]; done {
		return snap, nil
	}
	if err := s.checkRealTimeLocked(); err != nil {
		return domain.ResultSnapshot{}, err
	}
	if s.active == nil || *s.active != questionID {
		return domain.ResultSnapshot{}, domain.ErrNoActiveQuestion
	}
	return s.closeActiveLocked(), nil
}

func (s *Session) closeActiveLocked() domain.ResultSnapshot {
	qid := *s.active
	s.active = nil
	snap := s.aggregateLocked(qid)
	snap.ClosedAt = s.now()
	s.closed[qid] = snap
	s.broadcastLocked(toAll, protocol.EventQuestionEnded, protocol.QuestionEnded{QuestionID: qid, Results: snap})
	return snap
}

// end completes the session, closing any open question first. It reports
// whether this call performed the transition.
func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == domain.StatusCompleted {
		return false
	}
	if s.active != nil {
		s.closeActiveLocked()
	}
	s.info.Status = domain.StatusCompleted
	s.broadcastLocked(toAll, protocol.EventQuizEnded, protocol.QuizEnded{})
	return true
}

func (s *Session) checkRealTimeLocked() error {
	switch {
	case s.info.Status == domain.StatusCompleted:
		return domain.ErrSessionEnded
	case s.info.Status != domain.StatusActive:
		return domain.ErrSessionNotActive
	case s.info.Mode != domain.ModeRealTime:
		return domain.ErrInvalidState
	}
	return nil
}

// submit records one constituent answer of a real-time response. Repeating a
// recorded (participant, question, answer) triple is accepted without effect.
// A multiple choice answer carrying a new attempt id replaces the
// participant's earlier selection for that question.
func (s *Session) submit(participantID int64, args protocol.SubmitAnswerArgs) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRealTimeLocked(); err != nil {
		return false, err
	}
	if _, ok := s.participants[participantID]; !ok {
		return false, domain.ErrParticipantNotFound
	}
	if s.active == nil || *s.active != args.QuestionID {
		return false, domain.ErrQuestionClosed
	}
	q, _ := s.quiz.Question(args.QuestionID)
	recorded, err := s.recordLocked(q, participantID, args.Attempt, args.AnswerID, args.FreeText)
	if err != nil || !recorded {
		return false, err
	}
	s.broadcastLocked(toHosts, protocol.EventNewResponse, protocol.NewResponse{QuestionID: q.ID, ParticipantID: participantID})
	return true, nil
}

func (s *Session) recordLocked(q domain.Question, participantID int64, attempt string, answerID *int64, freeText *string) (bool, error) {
	args := protocol.SubmitAnswerArgs{QuestionID: q.ID, AnswerID: answerID, FreeText: freeText}
	if err := args.ValidateFor(q.Type); err != nil {
		return false, err
	}
	if q.Type == domain.FreeText {
		byParticipant := s.texts[q.ID]
		if byParticipant == nil {
			byParticipant = make(map[int64]string)
			s.texts[q.ID] = byParticipant
		}
		if prev, ok := byParticipant[participantID]; ok {
			if prev == *freeText {
				return false, nil
			}
			return false, domain.ErrAlreadyAnswered
		}
		byParticipant[participantID] = *freeText
		return true, nil
	}

	if !q.HasAnswer(*answerID) {
		return false, domain.ErrAnswerNotFound
	}
	byParticipant := s.choices[q.ID]
	if byParticipant == nil {
		byParticipant = make(map[int64]map[int64]struct{})
		s.choices[q.ID] = byParticipant
	}
	if q.Type == domain.MultipleChoice && attempt != "" {
		byAttempt := s.attempts[q.ID]
		if byAttempt == nil {
			byAttempt = make(map[int64]string)
			s.attempts[q.ID] = byAttempt
		}
		if prev, ok := byAttempt[participantID]; ok && prev != attempt {
			delete(byParticipant, participantID)
		}
		byAttempt[participantID] = attempt
	}
	selected := byParticipant[participantID]
	if _, dup := selected[*answerID]; dup {
		return false, nil
	}
	if q.Type == domain.SingleChoice && len(selected) > 0 {
		return false, domain.ErrAlreadyAnswered
	}
	if selected == nil {
		selected = make(map[int64]struct{})
		byParticipant[participantID] = selected
	}
	selected[*answerID] = struct{}{}
	return true, nil
}

// publicQuestions is the participant view of the quiz for pull-based clients.
func (s *Session) publicQuestions() ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.info.Status {
	case domain.StatusCompleted:
		return nil, domain.ErrSessionEnded
	case domain.StatusActive:
	default:
		return nil, domain.ErrSessionNotActive
	}
	out := make([]domain.Question, 0, len(s.quiz.Questions))
	for _, q := range s.quiz.Questions {
		out = append(out, q.Public())
	}
	return out, nil
}

func (s *Session) validateBatch(batch domain.BatchSubmission) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.info.Status {
	case domain.StatusCompleted:
		return domain.ErrSessionEnded
	case domain.StatusActive:
	default:
		return domain.ErrSessionNotActive
	}
	if strings.TrimSpace(batch.ParticipantName) == "" && !s.info.AllowAnonymous {
		return domain.ErrNameRequired
	}
	perQuestion := make(map[int64]int)
	for _, e := range batch.Entries {
		q, ok := s.quiz.Question(e.QuestionID)
		if !ok {
			return domain.ErrQuestionNotFound
		}
		if e.AnswerID != nil && !q.HasAnswer(*e.AnswerID) {
			return domain.ErrAnswerNotFound
		}
		if e.AnswerID != nil || e.FreeTextResponse != "" {
			perQuestion[q.ID]++
		}
		if q.Type != domain.MultipleChoice && perQuestion[q.ID] > 1 {
			return domain.ErrAlreadyAnswered
		}
	}
	return nil
}

// recordBatch stores a validated batch under a fresh participant id.
func (s *Session) recordBatch(batch domain.BatchSubmission) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.TrimSpace(batch.ParticipantName)
	if name == "" {
		name = "Anonymous"
	}
	s.nextParticipant++
	id := s.nextParticipant
	s.known[id] = name

	for _, e := range batch.Entries {
		q, _ := s.quiz.Question(e.QuestionID)
		var (
			answerID = e.AnswerID
			text     *string
		)
		if q.Type == domain.FreeText {
			if e.FreeTextResponse == "" {
				continue
			}
			t := e.FreeTextResponse
			text = &t
		} else if answerID == nil {
			continue
		}
		if _, err := s.recordLocked(q, id, "", answerID, text); err != nil {
			return id, err
		}
	}
	return id, nil
}

// results aggregates every question; closed questions return their frozen snapshot.
func (s *Session) results() []domain.ResultSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ResultSnapshot, 0, len(s.quiz.Questions))
	for _, q := range s.quiz.Questions {
		if snap, ok := s.closed[q.ID]; ok {
			out = append(out, snap)
			continue
		}
		out = append(out, s.aggregateLocked(q.ID))
	}
	return out
}

func (s *Session) aggregateLocked(questionID int64) domain.ResultSnapshot {
	snap := domain.ResultSnapshot{QuestionID: questionID, Counts: make(map[int64]int)}
	q, ok := s.quiz.Question(questionID)
	if !ok {
		return snap
	}
	respondents := make(map[int64]struct{})
	for _, a := range q.Answers {
		snap.Counts[a.ID] = 0
		if a.Correct && s.info.HasCorrectAnswers {
			snap.Correct = append(snap.Correct, a.ID)
		}
	}
	for pid, selected := range s.choices[questionID] {
		for aid := range selected {
			snap.Counts[aid]++
		}
		if len(selected) > 0 {
			respondents[pid] = struct{}{}
		}
	}
	pids := make([]int64, 0, len(s.texts[questionID]))
	for pid := range s.texts[questionID] {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, pid := range pids {
		snap.FreeText = append(snap.FreeText, s.texts[questionID][pid])
		respondents[pid] = struct{}{}
	}
	snap.Total = len(respondents)
	return snap
}

func (s *Session) snapshotLocked() protocol.SessionSnapshot {
	snap := protocol.SessionSnapshot{
		SessionID:    s.info.ID,
		Title:        s.info.Title,
		Status:       s.info.Status,
		QuestionIDs:  make([]int64, 0, len(s.quiz.Questions)),
		Participants: make([]domain.Participant, 0, len(s.participants)),
	}
	for _, q := range s.quiz.Questions {
		snap.QuestionIDs = append(snap.QuestionIDs, q.ID)
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool { return snap.Participants[i].ID < snap.Participants[j].ID })
	if s.active != nil {
		id := *s.active
		snap.ActiveQuestionID = &id
	}
	return snap
}

// broadcastLocked fans an event out to matching members. A member whose buffer
// is full is dropped; its connection closes and the client resynchronizes.
func (s *Session) broadcastLocked(to audience, name string, payload any) {
	observability.RecordBroadcast(name)
	ev := Event{Name: name, Payload: payload}
	for m := range s.members {
		if m.host && to&toHosts == 0 || !m.host && to&toParticipants == 0 {
			continue
		}
		select {
		case m.ch <- ev:
		default:
			delete(s.members, m)
			close(m.ch)
		}
	}
}
