/*
Package classifier exposes plant image classification backed by a pool of
external inference processes.

QUICK START:

	svc := classifier.New(classifier.Config{
		PythonExecutable: "python3",
		Script:           "ai/inference_server.py",
		ModelPath:        "models/best_model.encrypted",
	})
	if err := svc.Initialize(ctx); err != nil {
		return err // no worker left running
	}
	defer svc.Cleanup()

	res := svc.Predict(ctx, "/uploads/leaf.jpg")
	if !res.Success {
		log.Printf("%s: %s", res.Code, res.Error)
		return
	}
	pred, _ := classifier.DecodePrediction(res)
	fmt.Println(pred.PredictedClass, pred.ConfidencePercentage)

GUARANTEES:

  - Predict never panics and never returns a bare error; every outcome is
    a Result carrying either the worker payload or a Code.
  - At most PoolSize predictions run inside workers at once. Extra callers
    wait up to AcquireTimeout; there is no ordering among them.
  - A worker that crashes is respawned in place. A worker that keeps
    failing is recycled after FailureThreshold consecutive failures.
  - Timeouts fail the call but leave the worker process running.

RESULT CODES:

	WORKER_UNAVAILABLE, PREDICTION_TIMEOUT, WORKER_CRASHED   retried
	WORKER_ERROR           the model reported a failure (error_type set)
	MALFORMED_RESPONSE, OUTPUT_SIZE_EXCEEDED                 not retried
	PREDICTION_FAILED      retries exhausted
	NOT_INITIALIZED, CANCELLED, INTERNAL_ERROR
*/
package classifier
