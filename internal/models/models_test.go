package models

import "testing"

func TestIsValidStepType(t *testing.T) {
	valid := []StepType{
		StepTypeMessage, StepTypeQuestionText, StepTypeQuestionPoll,
		StepTypeQuestionAIChoice, StepTypeFormSubmit, StepTypeEndFlow,
		StepTypeRequestHumanSupport, StepTypeListChats, StepTypeAssignChat,
		StepTypeEnterConversationMode, StepTypeCloseChat,
	}
	for _, st := range valid {
		if !IsValidStepType(st) {
			t.Errorf("expected %s to be valid", st)
		}
	}
	if IsValidStepType("SOMETHING_ELSE") {
		t.Error("unknown step type should not be valid")
	}
}

func TestFlowValidate(t *testing.T) {
	f := Flow{Name: "Suporte", TriggerKeyword: "!suporte"}
	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.TargetAudience != AudienceCustomer {
		t.Errorf("expected audience default to customer, got %s", f.TargetAudience)
	}

	f = Flow{TriggerKeyword: "!suporte"}
	if err := f.Validate(); err != ErrEmptyFlowName {
		t.Errorf("expected ErrEmptyFlowName, got %v", err)
	}

	f = Flow{Name: "x", TriggerKeyword: "x", TargetAudience: "robot"}
	if err := f.Validate(); err != ErrInvalidAudience {
		t.Errorf("expected ErrInvalidAudience, got %v", err)
	}
}

func TestFlowStepValidate(t *testing.T) {
	step := FlowStep{StepType: StepTypeMessage, MessageBody: "oi"}
	if err := step.Validate(AudienceCustomer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	step = FlowStep{StepType: StepTypeMessage}
	if err := step.Validate(AudienceCustomer); err != ErrMissingMessageBody {
		t.Errorf("expected ErrMissingMessageBody, got %v", err)
	}

	step = FlowStep{StepType: StepTypeQuestionPoll, MessageBody: "escolha"}
	if err := step.Validate(AudienceCustomer); err != ErrMissingPollOptions {
		t.Errorf("expected ErrMissingPollOptions, got %v", err)
	}

	step = FlowStep{StepType: StepTypeAssignChat}
	if err := step.Validate(AudienceCustomer); err != ErrAdminStepInFlow {
		t.Errorf("expected ErrAdminStepInFlow, got %v", err)
	}
	if err := step.Validate(AudienceAgent); err != nil {
		t.Errorf("admin step should be legal for agent audience, got %v", err)
	}
}

func TestApplyTransforms(t *testing.T) {
	cases := []struct {
		in         string
		transforms []Transform
		want       string
	}{
		{"ana maria souza", []Transform{TransformUppercase}, "ANA MARIA SOUZA"},
		{"ANA", []Transform{TransformLowercase}, "ana"},
		{"ana maria souza", []Transform{TransformTitlecase}, "Ana Maria Souza"},
		{"ana maria souza", []Transform{TransformTruncateFirstSpace}, "ana"},
		{"ana maria souza", []Transform{TransformTruncateSecondSpace}, "ana maria"},
		{"ana", []Transform{TransformTruncateFirstSpace}, "ana"},
		{"ana maria", []Transform{TransformTruncateSecondSpace}, "ana maria"},
		// Left-to-right composition over the already-transformed value.
		{"ana maria souza", []Transform{TransformTruncateFirstSpace, TransformUppercase}, "ANA"},
		{"ana maria souza", []Transform{TransformUppercase, TransformTitlecase}, "Ana Maria Souza"},
	}
	for _, c := range cases {
		got, err := ApplyTransforms(c.in, c.transforms)
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", c.transforms, err)
		}
		if got != c.want {
			t.Errorf("ApplyTransforms(%q, %v) = %q, want %q", c.in, c.transforms, got, c.want)
		}
	}

	if _, err := ApplyTransforms("x", []Transform{"REVERSE"}); err != ErrUnknownTransform {
		t.Errorf("expected ErrUnknownTransform, got %v", err)
	}
}
